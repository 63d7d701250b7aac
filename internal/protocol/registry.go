package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownPacket 未注册的数据包 ID
var ErrUnknownPacket = errors.New("protocol: unknown packet id")

// Schema 一种数据包的名称和构造函数
type Schema struct {
	Name string
	New  func() Payload
}

// Registry 数据包 ID 到类型的映射，启动时构造一次后只读
type Registry struct {
	schemas map[VarInt]Schema
}

// NewRegistry 创建包含全部协议数据包的注册表
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[VarInt]Schema)}
	r.Register(IDShowIdentity, "ShowIdentity", func() Payload { return new(ShowIdentity) })
	r.Register(IDRateLimit, "RateLimit", func() Payload { return new(RateLimit) })
	r.Register(IDTaskApplication, "TaskApplication", func() Payload { return new(TaskApplication) })
	r.Register(IDTaskChange, "TaskChange", func() Payload { return new(TaskChange) })
	r.Register(IDTaskConfirm, "TaskConfirm", func() Payload { return new(TaskConfirm) })
	r.Register(IDDataReport, "DataReport", func() Payload { return new(DataReport) })
	r.Register(IDNotification, "Notification", func() Payload { return new(Notification) })
	return r
}

// Register 注册数据包类型，重复注册会覆盖
func (r *Registry) Register(id VarInt, name string, fn func() Payload) {
	r.schemas[id] = Schema{Name: name, New: fn}
}

// Lookup 查找数据包类型
func (r *Registry) Lookup(id VarInt) (Schema, bool) {
	s, ok := r.schemas[id]
	return s, ok
}

// Name 返回数据包名称，未知 ID 返回十六进制形式
func (r *Registry) Name(id VarInt) string {
	if s, ok := r.schemas[id]; ok {
		return s.Name
	}
	return fmt.Sprintf("%#02x", id)
}

// Decode 解码一帧，未知 ID 返回 ErrUnknownPacket
func (r *Registry) Decode(p Packet) (Payload, error) {
	s, ok := r.schemas[p.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownPacket, p.ID)
	}
	payload := s.New()
	if err := Unmarshal(p.Data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
