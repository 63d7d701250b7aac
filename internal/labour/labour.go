// Package labour 实现劳工会话的状态机：限流、计时器、数据包分发
package labour

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/guard"
	"synergetic-monitor/internal/limiter"
	"synergetic-monitor/internal/logger"
	"synergetic-monitor/internal/monitor"
	"synergetic-monitor/internal/pool"
	"synergetic-monitor/internal/protocol"
)

// State 协议状态
type State int

const (
	Handshaking State = iota
	Working
)

func (s State) String() string {
	if s == Working {
		return "working"
	}
	return "handshaking"
}

// closeGrace 发出关闭帧后等待对端关闭的最长时间
const closeGrace = time.Second

// errFrameTooLarge 单条消息超过数据包上限
var errFrameTooLarge = errors.New("frame too large")

// Deps 所有会话共享的依赖，启动时构造一次
type Deps struct {
	Handlers     *Handlers
	Guard        *guard.Guard
	Pool         *pool.Pool
	RateLimit    config.RateLimitConfig
	MaxAssign    int
	WriteTimeout time.Duration
	Monitor      *monitor.PerformanceMonitor
	Attack       *logger.AttackLogger
	Logger       zerolog.Logger
}

// Labour 一个劳工连接的会话，字段只在会话自己的 goroutine 中访问
type Labour struct {
	id      string
	address string
	conn    *websocket.Conn
	deps    *Deps
	log     *logger.ConnectionLogger

	category protocol.Category
	token    string
	state    State
	limiter  *limiter.SessionLimiter
	pending  map[protocol.VarInt]struct{}

	response  *deadline
	heartbeat *deadline

	alive bool
	ctx   context.Context
}

// New 为已完成升级的连接创建会话
func New(conn *websocket.Conn, address string, deps *Deps) *Labour {
	id := uuid.NewString()
	return &Labour{
		id:        id,
		address:   address,
		conn:      conn,
		deps:      deps,
		log:       logger.NewConnectionLogger(deps.Logger, id, address),
		limiter:   limiter.NewSessionLimiter(deps.RateLimit),
		pending:   make(map[protocol.VarInt]struct{}),
		response:  newDeadline("response", deps.RateLimit.ResponseTimeout()),
		heartbeat: newDeadline("heartbeat", deps.RateLimit.HeartbeatTimeout()),
		alive:     true,
		ctx:       context.Background(),
	}
}

func (l *Labour) ID() string                  { return l.id }
func (l *Labour) Address() string             { return l.address }
func (l *Labour) Token() string               { return l.token }
func (l *Labour) Category() protocol.Category { return l.category }
func (l *Labour) State() State                { return l.state }

// frame 读协程交给会话的一条消息
type frame struct {
	messageType int
	data        []byte
	err         error
}

// Run 处理会话直到连接结束，返回前连接已关闭
func (l *Labour) Run(ctx context.Context) {
	l.ctx = ctx
	if l.deps.Monitor != nil {
		l.deps.Monitor.RecordConnection()
		defer l.deps.Monitor.RecordConnectionClose()
	}
	l.log.LogConnectionEvent("connected")

	frames := make(chan frame)
	// 控制帧同样交给会话计入速率，处理器运行在读协程上
	l.conn.SetPingHandler(func(string) error {
		frames <- frame{messageType: websocket.PingMessage}
		return nil
	})
	l.conn.SetPongHandler(func(string) error {
		frames <- frame{messageType: websocket.PongMessage}
		return nil
	})
	go l.readLoop(frames)

	// 连接建立后等待劳工出示身份
	l.pending[protocol.IDShowIdentity] = struct{}{}
	l.response.start()
	l.heartbeat.start()

	for l.alive {
		select {
		case <-ctx.Done():
			l.Close(websocket.CloseGoingAway, "server shutting down")

		case f, ok := <-frames:
			if !ok {
				l.terminate("reader stopped")
				break
			}
			l.handleFrame(f)

		case <-l.response.C():
			l.response.expired()
			l.log.Warn().Dur("timeout", l.response.duration).Msg("等待响应超时")
			l.kick(guard.ResponseTimeout)

		case <-l.heartbeat.C():
			l.heartbeat.expired()
			l.log.Warn().Dur("timeout", l.heartbeat.duration).Msg("心跳超时")
			l.kick(guard.HeartbeatTimeout)
		}
	}

	l.drain(frames)
	l.log.LogConnectionEvent("closed")
}

func (l *Labour) readLoop(frames chan<- frame) {
	defer close(frames)
	for {
		messageType, r, err := l.conn.NextReader()
		if err != nil {
			frames <- frame{err: err}
			return
		}
		data, err := io.ReadAll(io.LimitReader(r, protocol.MaxPacketSize+1))
		if err != nil {
			frames <- frame{err: err}
			return
		}
		// 超长消息的剩余部分由下一次 NextReader 丢弃
		if len(data) > protocol.MaxPacketSize {
			frames <- frame{messageType: messageType, err: errFrameTooLarge}
			continue
		}
		frames <- frame{messageType: messageType, data: data}
	}
}

// drain 等待读协程结束后关闭底层连接
func (l *Labour) drain(frames <-chan frame) {
	_ = l.conn.SetReadDeadline(time.Now().Add(closeGrace))
	for range frames {
	}
	l.conn.Close()
}

func (l *Labour) handleFrame(f frame) {
	if f.err != nil {
		l.handleReadError(f.err)
		return
	}

	// 每条入站消息检查一次速率
	if !l.limiter.Allow() {
		l.kick(guard.RateLimit)
		return
	}

	switch f.messageType {
	case websocket.BinaryMessage:
		l.heartbeat.start()
		l.handleBinary(f.data)
	default:
		l.kick(guard.IncorrectDataFormat)
	}
}

func (l *Labour) handleReadError(err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		// 对端关闭，关闭帧已由默认处理器回应
		l.log.Debug().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("对端关闭连接")
		l.terminate("peer closed")
	case errors.Is(err, errFrameTooLarge):
		l.deps.Attack.LogProtocolViolation(l.address, l.token, "framing", err)
		l.kick(guard.InvalidPacket)
	default:
		l.log.Debug().Err(err).Msg("读取失败")
		l.terminate("read error")
	}
}

// handleBinary 依次处理一条消息中的所有数据包，会话关闭后立即停止
func (l *Labour) handleBinary(data []byte) {
	r := bytes.NewReader(data)
	for r.Len() > 0 && l.alive {
		pkt, err := protocol.ReadPacket(r)
		if err != nil {
			l.recordPacket(monitor.OutcomeMalformed)
			l.deps.Attack.LogProtocolViolation(l.address, l.token, "framing", err)
			l.kick(guard.InvalidPacket)
			return
		}

		if _, ok := l.pending[pkt.ID]; ok {
			l.response.stop()
			delete(l.pending, pkt.ID)
		}

		l.deps.Handlers.Dispatch(l, pkt)
	}
}

// send 写入一个数据包，写失败时直接结束会话
func (l *Labour) send(p protocol.Payload) bool {
	if !l.alive {
		return false
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.deps.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(p)); err != nil {
		l.log.Debug().Err(err).Msg("写入失败")
		l.terminate("write error")
		return false
	}
	return true
}

func (l *Labour) stopTimers() {
	l.response.stop()
	l.heartbeat.stop()
}

// kick 先停止计时器再交给 Guard
func (l *Labour) kick(reason guard.Reason) {
	if !l.alive {
		return
	}
	l.stopTimers()
	l.deps.Guard.Kick(l.ctx, l, reason)
}

func (l *Labour) ban(reason guard.Reason) {
	if !l.alive {
		return
	}
	l.stopTimers()
	l.deps.Guard.Ban(l.ctx, l, reason)
}

// reject 关闭连接但不写入新的封禁记录，也不计入踢出次数
func (l *Labour) reject(reason guard.Reason) {
	if !l.alive {
		return
	}
	l.stopTimers()
	l.deps.Guard.Reject(l, reason)
}

// Close 发送关闭帧并标记会话结束，由 Guard 或关停流程调用
func (l *Labour) Close(code int, text string) {
	if !l.alive {
		return
	}
	l.alive = false
	l.stopTimers()

	msg := websocket.FormatCloseMessage(code, text)
	if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(l.deps.WriteTimeout)); err != nil {
		l.log.Debug().Err(err).Msg("发送关闭帧失败")
	}
	l.log.Info("closed").
		Int("code", code).
		Str("reason", text).
		Msg("关闭连接")
}

// terminate 不经过 Guard 结束会话
func (l *Labour) terminate(why string) {
	if !l.alive {
		return
	}
	l.alive = false
	l.stopTimers()
	l.log.Debug().Str("why", why).Msg("会话结束")
}

func (l *Labour) recordPacket(outcome string) {
	if l.deps.Monitor != nil {
		l.deps.Monitor.RecordPacket(outcome)
	}
}
