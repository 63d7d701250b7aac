package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"synergetic-monitor/internal/config"
)

// 触发的限流类型
const (
	LimitGlobal = "global"
	LimitIP     = "ip"
)

// RateLimiter 建连限流器，按 IP 和全局两级令牌桶限制每秒新建连接数
type RateLimiter struct {
	config        config.AcceptLimitConfig
	logger        zerolog.Logger
	globalLimiter *rate.Limiter
	ipLimiters    sync.Map // map[string]*IPLimiterInfo

	// 统计信息
	totalRequests    atomic.Int64
	rejectedRequests atomic.Int64
	startTime        time.Time

	now func() time.Time
}

// IPLimiterInfo IP 限流器信息
type IPLimiterInfo struct {
	Limiter      *rate.Limiter
	RequestCount atomic.Int64
	lastRequest  atomic.Int64 // Unix 纳秒
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg config.AcceptLimitConfig, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		config: cfg,
		logger: logger.With().Str("component", "rate_limiter").Logger(),
		globalLimiter: rate.NewLimiter(
			rate.Limit(cfg.GlobalLimit),
			cfg.GlobalLimit,
		),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Allow 检查是否允许建立连接，拒绝时返回触发的限流类型
func (rl *RateLimiter) Allow(ip string) (bool, string) {
	now := rl.now()
	rl.totalRequests.Add(1)

	// 先检查 IP 限流，避免单个 IP 耗尽全局令牌
	ipLimiter := rl.getOrCreateIPLimiter(ip, now)
	ipLimiter.RequestCount.Add(1)
	ipLimiter.lastRequest.Store(now.UnixNano())
	if !ipLimiter.Limiter.AllowN(now, 1) {
		rl.rejectedRequests.Add(1)
		rl.logger.Debug().
			Str("ip", ip).
			Msg("IP 限流触发")
		return false, LimitIP
	}

	if !rl.globalLimiter.AllowN(now, 1) {
		rl.rejectedRequests.Add(1)
		rl.logger.Debug().
			Str("ip", ip).
			Msg("全局限流触发")
		return false, LimitGlobal
	}

	return true, ""
}

// getOrCreateIPLimiter 获取或创建 IP 限流器
func (rl *RateLimiter) getOrCreateIPLimiter(ip string, now time.Time) *IPLimiterInfo {
	if value, ok := rl.ipLimiters.Load(ip); ok {
		return value.(*IPLimiterInfo)
	}

	ipLimiter := &IPLimiterInfo{
		Limiter: rate.NewLimiter(
			rate.Limit(rl.config.IPLimit),
			rl.config.IPLimit,
		),
	}
	ipLimiter.lastRequest.Store(now.UnixNano())

	// 尝试存储，如果已存在则使用已存在的
	if actual, loaded := rl.ipLimiters.LoadOrStore(ip, ipLimiter); loaded {
		return actual.(*IPLimiterInfo)
	}

	return ipLimiter
}

// CleanupExpiredLimiters 清理超过清理间隔未活动的 IP 限流器
func (rl *RateLimiter) CleanupExpiredLimiters() int {
	cutoff := rl.now().Add(-rl.config.CleanupInterval).UnixNano()
	cleaned := 0

	rl.ipLimiters.Range(func(key, value any) bool {
		if value.(*IPLimiterInfo).lastRequest.Load() < cutoff {
			rl.ipLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		rl.logger.Debug().
			Int("count", cleaned).
			Msg("清理过期的 IP 限流器")
	}
	return cleaned
}

// StartCleanupRoutine 启动清理协程，ctx 结束时退出
func (rl *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.CleanupExpiredLimiters()
			}
		}
	}()
}

// GetStats 获取统计信息
func (rl *RateLimiter) GetStats() map[string]any {
	activeIPs := 0
	rl.ipLimiters.Range(func(key, value any) bool {
		activeIPs++
		return true
	})

	return map[string]any{
		"total_requests":    rl.totalRequests.Load(),
		"rejected_requests": rl.rejectedRequests.Load(),
		"active_ip_count":   activeIPs,
		"uptime":            time.Since(rl.startTime),
		"global_limit":      rl.config.GlobalLimit,
		"ip_limit":          rl.config.IPLimit,
	}
}
