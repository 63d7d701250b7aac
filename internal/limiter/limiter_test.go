package limiter

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synergetic-monitor/internal/config"
)

func TestSessionLimiterBurstAndRefill(t *testing.T) {
	sl := NewSessionLimiter(config.RateLimitConfig{Interval: 10 * time.Second, MaxBurst: 6})
	now := time.Now()
	sl.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		if !sl.Allow() {
			t.Fatalf("第 %d 条消息应被放行", i+1)
		}
	}
	if sl.Allow() {
		t.Fatal("突发 6 条后第 7 条应被拒绝")
	}

	// 一个 interval 后补充一个令牌
	now = now.Add(10 * time.Second)
	if !sl.Allow() {
		t.Error("补充令牌后应被放行")
	}
	if sl.Allow() {
		t.Error("只补充了一个令牌")
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(config.AcceptLimitConfig{IPLimit: 2, GlobalLimit: 100, CleanupInterval: time.Minute}, zerolog.Nop())
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("1.1.1.1"); !ok {
			t.Fatalf("第 %d 次连接应被放行", i+1)
		}
	}
	ok, limitType := rl.Allow("1.1.1.1")
	if ok || limitType != LimitIP {
		t.Errorf("期望触发 IP 限流，实际 ok=%v type=%s", ok, limitType)
	}

	// 其他 IP 不受影响
	if ok, _ := rl.Allow("2.2.2.2"); !ok {
		t.Error("其他 IP 应被放行")
	}
}

func TestRateLimiterGlobal(t *testing.T) {
	rl := NewRateLimiter(config.AcceptLimitConfig{IPLimit: 10, GlobalLimit: 3, CleanupInterval: time.Minute}, zerolog.Nop())
	now := time.Now()
	rl.now = func() time.Time { return now }

	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		if ok, _ := rl.Allow(ip); !ok {
			t.Fatalf("%s 应被放行", ip)
		}
	}
	ok, limitType := rl.Allow("4.4.4.4")
	if ok || limitType != LimitGlobal {
		t.Errorf("期望触发全局限流，实际 ok=%v type=%s", ok, limitType)
	}

	stats := rl.GetStats()
	if stats["rejected_requests"] != int64(1) {
		t.Errorf("期望拒绝 1 次，实际 %v", stats["rejected_requests"])
	}
}

func TestCleanupExpiredLimiters(t *testing.T) {
	rl := NewRateLimiter(config.AcceptLimitConfig{IPLimit: 5, GlobalLimit: 100, CleanupInterval: time.Minute}, zerolog.Nop())
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("1.1.1.1")
	now = now.Add(30 * time.Second)
	rl.Allow("2.2.2.2")
	now = now.Add(45 * time.Second)

	if cleaned := rl.CleanupExpiredLimiters(); cleaned != 1 {
		t.Errorf("期望清理 1 个限流器，实际 %d", cleaned)
	}
	if stats := rl.GetStats(); stats["active_ip_count"] != 1 {
		t.Errorf("期望剩余 1 个 IP，实际 %v", stats["active_ip_count"])
	}
}
