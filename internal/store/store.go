// Package store 提供带过期时间的键值存储，供封禁记录、踢出计数和房间观测计数使用
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"synergetic-monitor/internal/config"
)

// ErrNotFound 键不存在或已过期
var ErrNotFound = errors.New("store: key not found")

// Store 键值存储，ttl 为 0 表示永不过期
type Store interface {
	// Get 读取键值，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	// SetNX 仅在键不存在时写入，返回是否写入成功
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr 自增并返回新值，ttl 只在键新建时生效
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open 按配置打开存储
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(16), nil
	case "redis":
		return NewRedis(cfg.Redis)
	case "sqlite":
		return NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
