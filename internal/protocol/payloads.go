package protocol

import (
	"bytes"
	"fmt"
)

// Payload 有类型的数据包内容
type Payload interface {
	PacketID() VarInt
	Encode(w *bytes.Buffer)
	Decode(r *bytes.Reader) error
}

// Marshal 把 payload 包装为一帧
func Marshal(p Payload) Packet {
	buf := getBuffer()
	defer putBuffer(buf)
	p.Encode(buf)
	return Packet{ID: p.PacketID(), Data: bytes.Clone(buf.Bytes())}
}

// Encode 把 payload 编码为完整的帧字节
func Encode(p Payload) []byte {
	return Marshal(p).Bytes()
}

// Unmarshal 从 payload 字节解码到 p，末尾多余的字节被忽略
func Unmarshal(data []byte, p Payload) error {
	if err := p.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("decode packet %#02x: %w", p.PacketID(), err)
	}
	return nil
}

// ShowIdentity 劳工出示身份
type ShowIdentity struct {
	Category Category
	Token    string
}

func (*ShowIdentity) PacketID() VarInt { return IDShowIdentity }

func (p *ShowIdentity) Encode(w *bytes.Buffer) {
	WriteVarInt(w, VarInt(p.Category))
	WriteString(w, p.Token)
}

func (p *ShowIdentity) Decode(r *bytes.Reader) (err error) {
	var c VarInt
	if c, err = ReadVarInt(r); err != nil {
		return err
	}
	p.Category = Category(c)
	p.Token, err = ReadString(r)
	return err
}

// RateLimit 服务端下发的限流参数，Interval 单位为毫秒
type RateLimit struct {
	Interval VarInt
	MaxBurst VarInt
}

func (*RateLimit) PacketID() VarInt { return IDRateLimit }

func (p *RateLimit) Encode(w *bytes.Buffer) {
	WriteVarInt(w, p.Interval)
	WriteVarInt(w, p.MaxBurst)
}

func (p *RateLimit) Decode(r *bytes.Reader) (err error) {
	if p.Interval, err = ReadVarInt(r); err != nil {
		return err
	}
	p.MaxBurst, err = ReadVarInt(r)
	return err
}

// TaskApplication 客户端申请房间
type TaskApplication struct {
	RoomCount VarInt
}

func (*TaskApplication) PacketID() VarInt { return IDTaskApplication }

func (p *TaskApplication) Encode(w *bytes.Buffer) {
	WriteVarInt(w, p.RoomCount)
}

func (p *TaskApplication) Decode(r *bytes.Reader) (err error) {
	p.RoomCount, err = ReadVarInt(r)
	return err
}

// TaskChange 服务端分配的房间列表
type TaskChange struct {
	RoomIDs []string
}

func (*TaskChange) PacketID() VarInt { return IDTaskChange }

func (p *TaskChange) Encode(w *bytes.Buffer) { writeRoomIDs(w, p.RoomIDs) }

func (p *TaskChange) Decode(r *bytes.Reader) (err error) {
	p.RoomIDs, err = readRoomIDs(r)
	return err
}

// TaskConfirm 客户端确认的房间列表
type TaskConfirm struct {
	RoomIDs []string
}

func (*TaskConfirm) PacketID() VarInt { return IDTaskConfirm }

func (p *TaskConfirm) Encode(w *bytes.Buffer) { writeRoomIDs(w, p.RoomIDs) }

func (p *TaskConfirm) Decode(r *bytes.Reader) (err error) {
	p.RoomIDs, err = readRoomIDs(r)
	return err
}

// DataReport 房间事件上报
type DataReport struct {
	Category VarInt
	RoomID   string
	ID       string
	Time     VarInt
	Detail   string
}

func (*DataReport) PacketID() VarInt { return IDDataReport }

func (p *DataReport) Encode(w *bytes.Buffer) {
	WriteVarInt(w, p.Category)
	WriteString(w, p.RoomID)
	WriteString(w, p.ID)
	WriteVarInt(w, p.Time)
	WriteString(w, p.Detail)
}

func (p *DataReport) Decode(r *bytes.Reader) (err error) {
	if p.Category, err = ReadVarInt(r); err != nil {
		return err
	}
	if p.RoomID, err = ReadString(r); err != nil {
		return err
	}
	if p.ID, err = ReadString(r); err != nil {
		return err
	}
	if p.Time, err = ReadVarInt(r); err != nil {
		return err
	}
	p.Detail, err = ReadString(r)
	return err
}

// Notification 通知
type Notification struct {
	Category VarInt
	Message  string
	Token    string
}

func (*Notification) PacketID() VarInt { return IDNotification }

func (p *Notification) Encode(w *bytes.Buffer) {
	WriteVarInt(w, p.Category)
	WriteString(w, p.Message)
	WriteString(w, p.Token)
}

func (p *Notification) Decode(r *bytes.Reader) (err error) {
	if p.Category, err = ReadVarInt(r); err != nil {
		return err
	}
	if p.Message, err = ReadString(r); err != nil {
		return err
	}
	p.Token, err = ReadString(r)
	return err
}

func writeRoomIDs(w *bytes.Buffer, ids []string) {
	WriteVarInt(w, VarInt(len(ids)))
	for _, id := range ids {
		WriteString(w, id)
	}
}

func readRoomIDs(r *bytes.Reader) ([]string, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	// 每个字符串至少占 1 字节，声明数量不可能超过剩余字节数
	if uint64(n) > uint64(r.Len()) {
		return nil, ErrInsufficient
	}
	ids := make([]string, 0, n)
	for i := VarInt(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, s)
	}
	return ids, nil
}
