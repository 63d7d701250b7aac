package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/logger"
	"synergetic-monitor/internal/monitor"
	"synergetic-monitor/internal/protocol"
	"synergetic-monitor/internal/store"
)

type fakeTarget struct {
	mu      sync.Mutex
	address string
	token   string
	codes   []int
	texts   []string
}

func (f *fakeTarget) Address() string { return f.address }
func (f *fakeTarget) Token() string   { return f.token }

func (f *fakeTarget) Close(code int, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	f.texts = append(f.texts, text)
}

func (f *fakeTarget) lastCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return 0
	}
	return f.codes[len(f.codes)-1]
}

var errStoreDown = errors.New("store down")

// failingStore 所有操作都失败
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Delete(context.Context, string) error { return errStoreDown }
func (failingStore) Close() error                         { return nil }

func newGuard(t *testing.T, cfg config.GuardConfig) (*Guard, *store.Memory) {
	t.Helper()
	st := store.NewMemory(4)
	return New(cfg, st, Options{Monitor: monitor.NewPerformanceMonitor()}), st
}

func TestReasonCodes(t *testing.T) {
	tests := []struct {
		reason Reason
		code   int
		text   string
	}{
		{HeartbeatTimeout, 4001, "heartbeat timeout"},
		{ResponseTimeout, 4002, "response timeout"},
		{RateLimit, 4003, "rate limit"},
		{TooManyConnections, 4004, "too many connections"},
		{UnexpectedPacket, 4005, "unexpected packet"},
		{InvalidPacket, 4006, "invalid packet"},
		{IncorrectDataFormat, 4007, "incorrect data format"},
		{Banned, 1008, "banned"},
		{TooManyKicks, 1008, "too many kicks"},
		{InvalidToken, 1008, "invalid token"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.reason.Code(), tt.reason.String())
		assert.Equal(t, tt.text, tt.reason.Description(), tt.reason.String())
	}
}

func TestKickEscalatesToBan(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, config.GuardConfig{KickCount: 10, BanTime: time.Hour})
	target := &fakeTarget{address: "10.0.0.1"}

	for i := 1; i < 10; i++ {
		g.Kick(ctx, target, ResponseTimeout)
		require.Equal(t, 4002, target.lastCode(), "第 %d 次踢出", i)
		require.True(t, g.AdmitAddress(ctx, "10.0.0.1"), "第 %d 次踢出后不应封禁", i)
	}

	g.Kick(ctx, target, ResponseTimeout)
	assert.Equal(t, 1008, target.lastCode())
	assert.Equal(t, "too many kicks", target.texts[len(target.texts)-1])
	assert.False(t, g.AdmitAddress(ctx, "10.0.0.1"))
	assert.True(t, g.AdmitAddress(ctx, "10.0.0.2"))
}

func TestKickEscalatesOnToken(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, config.GuardConfig{KickCount: 3, BanTime: time.Hour})

	// 同一令牌从不同地址连接
	for i, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		target := &fakeTarget{address: addr, token: "tok"}
		g.Kick(ctx, target, RateLimit)
		if i < 2 {
			assert.Equal(t, 4003, target.lastCode())
		} else {
			assert.Equal(t, 1008, target.lastCode())
		}
	}

	assert.False(t, g.AdmitToken(ctx, "tok"))
	// 第三个地址随令牌一起被封禁，前两个地址各只有 1 次踢出
	assert.False(t, g.AdmitAddress(ctx, "10.0.0.3"))
	assert.True(t, g.AdmitAddress(ctx, "10.0.0.1"))
}

func TestKickAuditCarriesBothCounts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	audit, err := logger.NewAuditLogger(&config.AuditLoggingConfig{Enabled: true, FilePath: path, Format: "json"})
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	g := New(config.GuardConfig{KickCount: 10, BanTime: time.Hour}, store.NewMemory(4), Options{Audit: audit})

	// 令牌先从另一个地址被踢出一次
	g.Kick(ctx, &fakeTarget{address: "10.0.0.9", token: "tok"}, RateLimit)
	g.Kick(ctx, &fakeTarget{address: "10.0.0.1", token: "tok"}, RateLimit)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var event logger.AuditEvent
	require.NoError(t, sonic.UnmarshalString(lines[1], &event))
	assert.Equal(t, "10.0.0.1", event.Address)
	assert.Equal(t, int64(1), event.AddrKicks, "地址累计次数")
	assert.Equal(t, int64(2), event.TokenKicks, "令牌累计次数")
}

func TestBanFirstWins(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard(t, config.GuardConfig{KickCount: 10, BanTime: time.Hour})
	target := &fakeTarget{address: "10.0.0.1", token: "tok"}

	g.Ban(ctx, target, InvalidToken)
	g.Ban(ctx, target, TooManyKicks)

	value, err := st.Get(ctx, banKey(kindAddr, "10.0.0.1"))
	require.NoError(t, err)
	var rec banRecord
	require.NoError(t, sonic.UnmarshalString(value, &rec))
	assert.Equal(t, "InvalidToken", rec.Reason)

	assert.Equal(t, []int{1008, 1008}, target.codes)
	assert.False(t, g.AdmitToken(ctx, "tok"))
}

func TestBanExpires(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, config.GuardConfig{KickCount: 10, BanTime: time.Hour})
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Ban(ctx, &fakeTarget{address: "10.0.0.1"}, Banned)
	assert.False(t, g.AdmitAddress(ctx, "10.0.0.1"))

	now = now.Add(time.Hour + time.Second)
	assert.True(t, g.AdmitAddress(ctx, "10.0.0.1"))
}

func TestEmptyTokenSkipsBookkeeping(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard(t, config.GuardConfig{KickCount: 2, BanTime: time.Hour})

	g.Kick(ctx, &fakeTarget{address: "10.0.0.1"}, UnexpectedPacket)
	g.Ban(ctx, &fakeTarget{address: "10.0.0.2"}, Banned)

	_, err := st.Get(ctx, kickKey(kindToken, ""))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, banKey(kindToken, ""))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, g.AdmitToken(ctx, ""))
}

func TestWhitelistNeverEscalates(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, config.GuardConfig{KickCount: 2, BanTime: time.Hour, Whitelist: []string{"127.0.0.1"}})
	target := &fakeTarget{address: "127.0.0.1"}

	for i := 0; i < 5; i++ {
		g.Kick(ctx, target, HeartbeatTimeout)
	}
	assert.Equal(t, []int{4001, 4001, 4001, 4001, 4001}, target.codes)

	g.Ban(ctx, target, Banned)
	assert.Equal(t, 1008, target.lastCode())
	assert.True(t, g.AdmitAddress(ctx, "127.0.0.1"))
}

func TestStoreFailureFailsOpen(t *testing.T) {
	ctx := context.Background()
	g := New(config.GuardConfig{KickCount: 1, BanTime: time.Hour}, failingStore{}, Options{})
	target := &fakeTarget{address: "10.0.0.1", token: "tok"}

	assert.True(t, g.AdmitAddress(ctx, "10.0.0.1"))
	assert.True(t, g.AdmitToken(ctx, "tok"))

	// 计数失败不升级为封禁，连接仍按踢出关闭
	g.Kick(ctx, target, InvalidPacket)
	assert.Equal(t, 4006, target.lastCode())

	g.Ban(ctx, target, Banned)
	assert.Equal(t, 1008, target.lastCode())

	assert.Error(t, g.Pardon(ctx, "10.0.0.1"))
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, config.GuardConfig{KickCount: 1, BanTime: time.Hour})
	target := &fakeTarget{address: "10.0.0.1"}

	g.Reject(target, TooManyConnections)
	assert.Equal(t, 4004, target.lastCode())
	// 拒绝不计入踢出次数
	assert.True(t, g.AdmitAddress(ctx, "10.0.0.1"))
}

func TestPardon(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, config.GuardConfig{KickCount: 10, BanTime: time.Hour})
	g.Ban(ctx, &fakeTarget{address: "10.0.0.1", token: "tok"}, Banned)

	require.NoError(t, g.Pardon(ctx, "10.0.0.1"))
	assert.True(t, g.AdmitAddress(ctx, "10.0.0.1"))
	assert.False(t, g.AdmitToken(ctx, "tok"))

	require.NoError(t, g.Pardon(ctx, "tok"))
	assert.True(t, g.AdmitToken(ctx, "tok"))
}

func TestConcurrentKicks(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard(t, config.GuardConfig{KickCount: 1000, BanTime: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				g.Kick(ctx, &fakeTarget{address: "10.0.0.1"}, RateLimit)
			}
		}()
	}
	wg.Wait()

	v, err := st.Get(ctx, kickKey(kindAddr, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "200", v)
}

func TestTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client_tokens.txt")
	require.NoError(t, os.WriteFile(path, []byte("# 注释\nalpha\n\n  beta  \n"), 0644))

	tokens, err := LoadTokens(config.TokensConfig{Client: path})
	require.NoError(t, err)
	assert.Equal(t, 2, tokens.Count())

	assert.True(t, tokens.Check(protocol.CategoryClient, "alpha"))
	assert.True(t, tokens.Check(protocol.CategoryClient, "beta"))
	assert.False(t, tokens.Check(protocol.CategoryClient, "gamma"))
	// 未配置文件的类别接受任意令牌
	assert.True(t, tokens.Check(protocol.CategoryAdmin, "gamma"))

	_, err = LoadTokens(config.TokensConfig{Server: filepath.Join(dir, "missing.txt")})
	assert.Error(t, err)

	var none *Tokens
	assert.True(t, none.Check(protocol.CategoryClient, "anything"))
}
