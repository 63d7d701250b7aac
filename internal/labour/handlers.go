package labour

import (
	"synergetic-monitor/internal/guard"
	"synergetic-monitor/internal/monitor"
	"synergetic-monitor/internal/protocol"
)

// HandlerFunc 处理一个已切帧的数据包，自行检查状态前置条件后再解码
type HandlerFunc func(l *Labour, pkt protocol.Packet)

// Handlers 数据包 ID 到处理函数的映射，启动时构造一次后只读
type Handlers struct {
	registry *protocol.Registry
	table    map[protocol.VarInt]HandlerFunc
}

// NewHandlers 为注册表中的每个 ID 安排处理函数，没有专门处理函数的 ID 一律视为意外数据包
func NewHandlers(reg *protocol.Registry) *Handlers {
	h := &Handlers{
		registry: reg,
		table: map[protocol.VarInt]HandlerFunc{
			protocol.IDShowIdentity:    handleShowIdentity,
			protocol.IDTaskApplication: handleTaskApplication,
		},
	}
	for _, id := range []protocol.VarInt{
		protocol.IDRateLimit,
		protocol.IDTaskChange,
		protocol.IDTaskConfirm,
		protocol.IDDataReport,
		protocol.IDNotification,
	} {
		if _, ok := reg.Lookup(id); ok {
			h.table[id] = handleUnexpected
		}
	}
	return h
}

// Dispatch 分发数据包，未知 ID 按无效数据包处理
func (h *Handlers) Dispatch(l *Labour, pkt protocol.Packet) {
	fn, ok := h.table[pkt.ID]
	if !ok {
		l.recordPacket(monitor.OutcomeUnknownID)
		l.deps.Attack.LogProtocolViolation(l.address, l.token, "unknown_id", protocol.ErrUnknownPacket)
		l.kick(guard.InvalidPacket)
		return
	}
	fn(l, pkt)
}

// decode 按注册表解码，失败时踢出并返回 nil
func (l *Labour) decode(pkt protocol.Packet) protocol.Payload {
	payload, err := l.deps.Handlers.registry.Decode(pkt)
	if err != nil {
		l.recordPacket(monitor.OutcomeMalformed)
		l.deps.Attack.LogProtocolViolation(l.address, l.token, "malformed", err)
		l.kick(guard.InvalidPacket)
		return nil
	}
	return payload
}

func handleUnexpected(l *Labour, pkt protocol.Packet) {
	l.recordPacket(monitor.OutcomeUnexpected)
	l.log.LogProtocolEvent(l.deps.Handlers.registry.Name(pkt.ID), false)
	l.kick(guard.UnexpectedPacket)
}

func handleShowIdentity(l *Labour, pkt protocol.Packet) {
	if l.state != Handshaking || l.category != protocol.CategoryUnassigned {
		handleUnexpected(l, pkt)
		return
	}
	payload := l.decode(pkt)
	if payload == nil {
		return
	}
	identity := payload.(*protocol.ShowIdentity)
	if !identity.Category.Valid() {
		l.recordPacket(monitor.OutcomeMalformed)
		l.kick(guard.InvalidPacket)
		return
	}

	l.category = identity.Category
	l.token = identity.Token
	l.log.WithToken(identity.Token)

	// 令牌已被封禁时只拒绝本次连接，地址不受牵连
	if !l.deps.Guard.AdmitToken(l.ctx, l.token) {
		l.reject(guard.Banned)
		return
	}
	if !l.deps.Guard.CheckToken(l.category, l.token) {
		l.ban(guard.InvalidToken)
		return
	}

	l.state = Working
	l.recordPacket(monitor.OutcomeOK)
	l.log.Debug().Stringer("category", l.category).Msg("身份已确认")
	l.send(&protocol.RateLimit{
		Interval: protocol.VarInt(l.deps.RateLimit.Interval.Milliseconds()),
		MaxBurst: protocol.VarInt(l.deps.RateLimit.MaxBurst),
	})
}

func handleTaskApplication(l *Labour, pkt protocol.Packet) {
	if l.state != Working || l.category != protocol.CategoryClient {
		handleUnexpected(l, pkt)
		return
	}
	payload := l.decode(pkt)
	if payload == nil {
		return
	}
	application := payload.(*protocol.TaskApplication)

	n := int(application.RoomCount)
	if l.deps.MaxAssign > 0 && n > l.deps.MaxAssign {
		n = l.deps.MaxAssign
	}
	rooms := l.deps.Pool.Assign(n)
	if err := l.deps.Pool.RecordObservation(l.ctx, rooms...); err != nil {
		l.log.Debug().Err(err).Msg("观测次数持久化失败")
	}

	l.recordPacket(monitor.OutcomeOK)
	if l.send(&protocol.TaskChange{RoomIDs: rooms}) && l.deps.Monitor != nil {
		l.deps.Monitor.RecordAssignment(len(rooms))
	}
}
