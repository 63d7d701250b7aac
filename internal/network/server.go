// Package network 接受 WebSocket 连接并在准入检查后交给劳工会话
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/guard"
	"synergetic-monitor/internal/labour"
	"synergetic-monitor/internal/limiter"
	"synergetic-monitor/internal/logger"
)

// rejectGrace 拒绝连接后等待对端回应关闭帧的时间
const rejectGrace = time.Second

// Server WebSocket 服务器
type Server struct {
	config      *config.Config
	logger      zerolog.Logger
	deps        *labour.Deps
	limiter     *limiter.RateLimiter
	attack      *logger.AttackLogger
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	connections *ConnectionManager
	running     atomic.Bool
	slots       atomic.Int64 // 已占用的连接名额，含尚在准入检查中的连接
	sessions    sync.WaitGroup
	ctx         context.Context
}

// NewServer 创建服务器，ctx 取消时所有会话以 1001 关闭
func NewServer(ctx context.Context, cfg *config.Config, log zerolog.Logger, deps *labour.Deps, acceptLimiter *limiter.RateLimiter, attack *logger.AttackLogger) *Server {
	s := &Server{
		config:      cfg,
		logger:      log.With().Str("component", "network").Logger(),
		deps:        deps,
		limiter:     acceptLimiter,
		attack:      attack,
		connections: NewConnectionManager(64),
		ctx:         ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.Server.ReadBufferSize,
			WriteBufferSize:  cfg.Server.WriteBufferSize,
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
			// 劳工不是浏览器，不校验 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.Path, s.serveWS)
	s.httpServer = &http.Server{
		Addr:              cfg.GetAddress(),
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.HandshakeTimeout,
	}
	return s
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start 监听并阻塞直到服务器停止
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.GetAddress())
	if err != nil {
		return fmt.Errorf("创建监听器失败: %w", err)
	}
	return s.Serve(ln)
}

// Serve 在给定的监听器上服务，ctx 取消后优雅停止
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		ln.Close()
		return fmt.Errorf("服务器已经在运行")
	}

	s.logger.Info().
		Str("address", ln.Addr().String()).
		Str("path", s.config.Server.Path).
		Int("max_connections", s.config.Server.MaxConnections).
		Msg("启动网络服务器")

	go s.lifecycleManager()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.running.Store(false)
		return err
	}
	return nil
}

// lifecycleManager 等待 ctx 取消后停止接受新连接并等待会话结束
func (s *Server) lifecycleManager() {
	<-s.ctx.Done()

	s.logger.Info().Msg("收到关闭信号，开始停止网络服务器")
	s.running.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 已升级的连接不受 Shutdown 管理，会话自己会随 ctx 关闭
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("停止 HTTP 服务失败")
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("网络服务器已停止")
	case <-shutdownCtx.Done():
		s.logger.Warn().Int64("sessions", s.connections.Count()).Msg("等待会话结束超时")
	}
}

// serveWS 升级连接并按顺序执行准入检查：连接上限、建连限流、地址封禁
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("升级 WebSocket 失败")
		return
	}

	address := s.remoteIP(r)
	if reason, ok := s.admit(address); !ok {
		s.attack.LogConnectionRejected(address, reason.String(), reason.Code())
		s.deps.Guard.Reject(&rejectedConn{conn: conn, address: address, writeTimeout: s.config.Server.WriteTimeout}, reason)
		return
	}

	l := labour.New(conn, address, s.deps)
	s.connections.Store(l)
	s.sessions.Add(1)
	defer func() {
		s.connections.Delete(l.ID())
		s.releaseSlot()
		s.sessions.Done()
	}()

	l.Run(s.ctx)
}

// admit 通过时占用一个连接名额，由调用方在会话结束后归还
func (s *Server) admit(address string) (guard.Reason, bool) {
	if !s.running.Load() {
		return guard.TooManyConnections, false
	}
	if !s.acquireSlot() {
		return guard.TooManyConnections, false
	}
	if s.limiter != nil {
		if ok, limitType := s.limiter.Allow(address); !ok {
			s.releaseSlot()
			s.attack.LogRateLimitTriggered(address, limitType)
			return guard.TooManyConnections, false
		}
	}
	if !s.deps.Guard.AdmitAddress(s.ctx, address) {
		s.releaseSlot()
		return guard.Banned, false
	}
	return 0, true
}

// acquireSlot 先占后查，并发建连时也不会超过上限
func (s *Server) acquireSlot() bool {
	n := s.slots.Add(1)
	if limit := s.config.Server.MaxConnections; limit > 0 && n > int64(limit) {
		s.slots.Add(-1)
		return false
	}
	return true
}

func (s *Server) releaseSlot() {
	s.slots.Add(-1)
}

// remoteIP 对端地址，配置了 real_ip_header 且请求头存在时取其中第一个地址
func (s *Server) remoteIP(r *http.Request) string {
	if header := s.config.Server.RealIPHeader; header != "" {
		if value := r.Header.Get(header); value != "" {
			first, _, _ := strings.Cut(value, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]any {
	return map[string]any{
		"connection_count": s.connections.Count(),
		"oldest_session":   s.connections.OldestSession().Round(time.Second).String(),
		"running":          s.running.Load(),
	}
}

// rejectedConn 未进入会话就被拒绝的连接
type rejectedConn struct {
	conn         *websocket.Conn
	address      string
	writeTimeout time.Duration
}

func (c *rejectedConn) Address() string { return c.address }
func (c *rejectedConn) Token() string   { return "" }

// Close 发送关闭帧，短暂等待对端回应后关闭底层连接
func (c *rejectedConn) Close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))

	_ = c.conn.SetReadDeadline(time.Now().Add(rejectGrace))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	c.conn.Close()
}
