package limiter

import (
	"time"

	"golang.org/x/time/rate"

	"synergetic-monitor/internal/config"
)

// SessionLimiter 单个会话的消息限流器，每 interval 补充一个令牌，桶容量为 max_burst
type SessionLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewSessionLimiter 创建会话限流器，初始为满桶
func NewSessionLimiter(cfg config.RateLimitConfig) *SessionLimiter {
	return &SessionLimiter{
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), cfg.MaxBurst),
		now:     time.Now,
	}
}

// Allow 消耗一个令牌，桶空时返回 false
func (sl *SessionLimiter) Allow() bool {
	return sl.limiter.AllowN(sl.now(), 1)
}
