// Package sync 定期从文件或 HTTP 地址刷新房间目录
package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/logger"
	"synergetic-monitor/internal/monitor"
	"synergetic-monitor/internal/pool"
)

// maxCatalogSize 目录响应体上限
const maxCatalogSize = 16 << 20

// CatalogSyncer 房间目录同步器，失败时保留上一次的目录
type CatalogSyncer struct {
	config  config.PoolConfig
	pool    *pool.Pool
	logger  zerolog.Logger
	attack  *logger.AttackLogger
	metrics *monitor.PerformanceMonitor
	client  *http.Client

	retryCount    int
	retryInterval time.Duration

	mu          sync.RWMutex
	running     bool
	lastSync    time.Time
	lastErr     error
	failures    int64
	unavailable bool
}

// NewCatalogSyncer 创建目录同步器，attack 与 metrics 可为 nil
func NewCatalogSyncer(cfg config.PoolConfig, p *pool.Pool, log zerolog.Logger, attack *logger.AttackLogger, metrics *monitor.PerformanceMonitor) *CatalogSyncer {
	if attack == nil {
		attack = logger.NewAttackLogger(zerolog.Nop())
	}
	return &CatalogSyncer{
		config:        cfg,
		pool:          p,
		logger:        log.With().Str("component", "catalog_syncer").Logger(),
		attack:        attack,
		metrics:       metrics,
		client:        &http.Client{Timeout: cfg.Timeout},
		retryCount:    2,
		retryInterval: time.Second,
	}
}

// Start 立即同步一次，然后在后台按间隔刷新直到 ctx 结束
func (cs *CatalogSyncer) Start(ctx context.Context) error {
	if cs.config.Source == "" {
		cs.logger.Info().Msg("未配置房间目录来源，跳过同步")
		return nil
	}

	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return fmt.Errorf("同步器已在运行")
	}
	cs.running = true
	cs.mu.Unlock()

	cs.logger.Info().
		Str("source", cs.config.Source).
		Dur("interval", cs.config.RefreshInterval).
		Msg("启动房间目录同步")

	cs.SyncOnce(ctx)

	go cs.syncLoop(ctx)

	return nil
}

func (cs *CatalogSyncer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(cs.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.mu.Lock()
			cs.running = false
			cs.mu.Unlock()
			return
		case <-ticker.C:
			cs.SyncOnce(ctx)
		}
	}
}

// SyncOnce 拉取一次目录并替换房间池，返回是否成功
func (cs *CatalogSyncer) SyncOnce(ctx context.Context) bool {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= cs.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(cs.retryInterval):
			}
		}

		rooms, err := cs.fetch(ctx)
		if err != nil {
			lastErr = err
			cs.logger.Debug().Err(err).Int("attempt", attempt).Msg("同步失败")
			continue
		}

		n := cs.pool.Replace(rooms)
		if err := cs.pool.LoadObservations(ctx); err != nil {
			cs.logger.Warn().Err(err).Msg("读取房间观测次数失败")
		}
		if cs.metrics != nil {
			cs.metrics.SetCatalogSize(n)
		}
		cs.mu.Lock()
		cs.lastSync = time.Now()
		cs.lastErr = nil
		cs.unavailable = false
		cs.mu.Unlock()

		cs.attack.LogCatalogSync(cs.config.Source, true, time.Since(start), n)
		return true
	}

	cs.mu.Lock()
	cs.lastErr = lastErr
	cs.failures++
	cs.unavailable = true
	cs.mu.Unlock()

	cs.logger.Warn().
		Err(lastErr).
		Int("retry_count", cs.retryCount).
		Int("room_count", cs.pool.Len()).
		Msg("同步失败，保留上一次的房间目录")
	cs.attack.LogCatalogSync(cs.config.Source, false, time.Since(start), cs.pool.Len())
	return false
}

func (cs *CatalogSyncer) fetch(ctx context.Context) ([]pool.Room, error) {
	source := cs.config.Source
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return cs.fetchHTTP(ctx, source)
	}
	return readCatalogFile(source)
}

func (cs *CatalogSyncer) fetchHTTP(ctx context.Context, url string) ([]pool.Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求房间目录失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("房间目录返回状态码 %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, fmt.Errorf("读取房间目录失败: %w", err)
	}

	var rooms []pool.Room
	if err := sonic.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("解析房间目录失败: %w", err)
	}
	return validRooms(rooms), nil
}

// readCatalogFile 读取 JSON(C) 或 YAML 格式的目录文件
func readCatalogFile(path string) ([]pool.Room, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取房间目录文件失败: %w", err)
	}

	var rooms []pool.Room
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// 允许注释和尾逗号
		err = sonic.Unmarshal(jsonc.ToJSON(data), &rooms)
	default:
		err = yaml.Unmarshal(data, &rooms)
	}
	if err != nil {
		return nil, fmt.Errorf("解析房间目录文件失败: %w", err)
	}
	return validRooms(rooms), nil
}

// validRooms 丢弃没有 ID 的条目
func validRooms(rooms []pool.Room) []pool.Room {
	out := rooms[:0]
	for _, room := range rooms {
		if room.ID != "" {
			out = append(out, room)
		}
	}
	return out
}

// IsRunning 检查是否在运行
func (cs *CatalogSyncer) IsRunning() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.running
}

// GetStats 获取统计信息
func (cs *CatalogSyncer) GetStats() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	stats := map[string]any{
		"running":          cs.running,
		"source":           cs.config.Source,
		"source_available": !cs.unavailable,
		"room_count":       cs.pool.Len(),
		"failures":         cs.failures,
		"last_sync":        cs.lastSync,
	}
	if cs.lastErr != nil {
		stats["last_error"] = cs.lastErr.Error()
	}
	return stats
}
