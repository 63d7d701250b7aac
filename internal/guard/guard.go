// Package guard 实现踢出、封禁以及建连准入策略
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/logger"
	"synergetic-monitor/internal/monitor"
	"synergetic-monitor/internal/protocol"
	"synergetic-monitor/internal/store"
)

// Target 可被踢出或封禁的连接
type Target interface {
	Address() string
	// Token 未出示身份时为空
	Token() string
	Close(code int, text string)
}

// Options 可选依赖
type Options struct {
	Tokens   *Tokens
	Security *logger.SecurityLogger
	Audit    *logger.AuditLogger
	Monitor  *monitor.PerformanceMonitor
}

// Guard 记录踢出次数和封禁状态，所有会话共享
type Guard struct {
	store     store.Store
	kickCount int64
	banTime   time.Duration
	kickTTL   time.Duration
	whitelist map[string]struct{}

	tokens   *Tokens
	security *logger.SecurityLogger
	audit    *logger.AuditLogger
	metrics  *monitor.PerformanceMonitor

	now func() time.Time
}

// banRecord 存储中的封禁记录，Until 为 Unix 毫秒
type banRecord struct {
	Until  int64  `json:"until"`
	Reason string `json:"reason"`
}

const (
	kindAddr  = "addr"
	kindToken = "token"
)

func banKey(kind, subject string) string  { return "guard:ban:" + kind + ":" + subject }
func kickKey(kind, subject string) string { return "guard:kick:" + kind + ":" + subject }

// New 创建 Guard
func New(cfg config.GuardConfig, st store.Store, opts Options) *Guard {
	g := &Guard{
		store:     st,
		kickCount: int64(cfg.KickCount),
		banTime:   cfg.BanTime,
		kickTTL:   cfg.KickRecordTTL,
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
		tokens:    opts.Tokens,
		security:  opts.Security,
		audit:     opts.Audit,
		metrics:   opts.Monitor,
		now:       time.Now,
	}
	if g.kickCount <= 0 {
		g.kickCount = 10
	}
	if g.banTime <= 0 {
		g.banTime = 24 * time.Hour
	}
	if g.security == nil {
		g.security = logger.NewSecurityLogger(zerolog.Nop())
	}
	for _, entry := range cfg.Whitelist {
		g.whitelist[entry] = struct{}{}
	}
	return g
}

func (g *Guard) whitelisted(subject string) bool {
	_, ok := g.whitelist[subject]
	return ok
}

// AdmitAddress 地址当前是否未被封禁
func (g *Guard) AdmitAddress(ctx context.Context, address string) bool {
	if g.whitelisted(address) {
		return true
	}
	return !g.banned(ctx, banKey(kindAddr, address))
}

// AdmitToken 令牌当前是否未被封禁
func (g *Guard) AdmitToken(ctx context.Context, token string) bool {
	if token == "" || g.whitelisted(token) {
		return true
	}
	return !g.banned(ctx, banKey(kindToken, token))
}

// CheckToken 令牌是否在该类别的令牌文件中
func (g *Guard) CheckToken(category protocol.Category, token string) bool {
	return g.tokens.Check(category, token)
}

func (g *Guard) banned(ctx context.Context, key string) bool {
	value, err := g.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		g.security.LogStoreError("get", key, err)
		return false
	}

	var rec banRecord
	if err := sonic.UnmarshalString(value, &rec); err != nil {
		g.security.LogStoreError("decode", key, err)
		return false
	}
	return rec.Until > g.now().UnixMilli()
}

// Kick 关闭连接并累计踢出次数，地址或令牌的次数达到阈值的整数倍时改为封禁
func (g *Guard) Kick(ctx context.Context, t Target, reason Reason) {
	address, token := t.Address(), t.Token()

	addrKicks := g.countKick(ctx, kindAddr, address)
	tokenKicks := g.countKick(ctx, kindToken, token)

	g.security.LogKick(address, token, reason.String(), reason.Code(), addrKicks, tokenKicks)
	_ = g.audit.LogKick(address, token, reason.String(), reason.Code(), addrKicks, tokenKicks)
	if g.metrics != nil {
		g.metrics.RecordKick(reason.String())
	}

	if g.crossed(addrKicks) || g.crossed(tokenKicks) {
		g.Ban(ctx, t, TooManyKicks)
		return
	}
	t.Close(reason.Code(), reason.Description())
}

// countKick 返回累计次数，白名单、空主体或存储失败时返回 0
func (g *Guard) countKick(ctx context.Context, kind, subject string) int64 {
	if subject == "" || g.whitelisted(subject) {
		return 0
	}
	key := kickKey(kind, subject)
	n, err := g.store.Incr(ctx, key, g.kickTTL)
	if err != nil {
		g.security.LogStoreError("incr", key, err)
		return 0
	}
	return n
}

func (g *Guard) crossed(kicks int64) bool {
	return kicks > 0 && kicks%g.kickCount == 0
}

// Ban 封禁连接的地址和令牌并关闭连接，已有的封禁记录不会被覆盖
func (g *Guard) Ban(ctx context.Context, t Target, reason Reason) {
	address, token := t.Address(), t.Token()
	until := g.now().Add(g.banTime)

	g.banSubject(ctx, kindAddr, address, reason, until)
	g.banSubject(ctx, kindToken, token, reason, until)

	g.security.LogTermination(address, token, reason.String(), reason.Code())
	if g.metrics != nil {
		g.metrics.RecordBan(reason.String())
	}
	t.Close(reason.Code(), reason.Description())
}

func (g *Guard) banSubject(ctx context.Context, kind, subject string, reason Reason, until time.Time) {
	if subject == "" || g.whitelisted(subject) {
		return
	}

	value, err := sonic.MarshalString(banRecord{Until: until.UnixMilli(), Reason: reason.String()})
	if err != nil {
		return
	}
	key := banKey(kind, subject)
	ok, err := g.store.SetNX(ctx, key, value, g.banTime)
	if err != nil {
		g.security.LogStoreError("setnx", key, err)
		return
	}
	if ok {
		g.security.LogBan(subject, reason.String(), until)
		_ = g.audit.LogBan(subject, reason.String(), until)
	}
}

// Reject 关闭刚建立的连接，不计入踢出次数
func (g *Guard) Reject(t Target, reason Reason) {
	_ = g.audit.LogReject(t.Address(), reason.String(), reason.Code())
	if g.metrics != nil {
		g.metrics.RecordReject(reason.String())
	}
	t.Close(reason.Code(), reason.Description())
}

// Pardon 解除地址或令牌的封禁并清空踢出计数
func (g *Guard) Pardon(ctx context.Context, subject string) error {
	var errs []error
	for _, key := range []string{
		banKey(kindAddr, subject),
		banKey(kindToken, subject),
		kickKey(kindAddr, subject),
		kickKey(kindToken, subject),
	} {
		if err := g.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	g.security.LogPardon(subject)
	_ = g.audit.LogPardon(subject)
	return nil
}
