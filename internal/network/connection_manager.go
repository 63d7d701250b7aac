package network

import (
	"sync"
	"sync/atomic"
	"time"

	"synergetic-monitor/internal/labour"
)

// session 连接管理器中的一条记录，字段创建后只读
type session struct {
	labour    *labour.Labour
	address   string
	startTime time.Time
}

// ConnectionManager 分片存储在线会话
type ConnectionManager struct {
	// 使用分片锁减少锁竞争
	shards    []*connectionShard
	shardMask uint64
	count     atomic.Int64
}

// connectionShard 连接分片
type connectionShard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(shardCount int) *ConnectionManager {
	if shardCount <= 0 {
		shardCount = 16
	}

	// 分片数量向上取 2 的幂
	actualShardCount := 1
	for actualShardCount < shardCount {
		actualShardCount <<= 1
	}

	shards := make([]*connectionShard, actualShardCount)
	for i := range shards {
		shards[i] = &connectionShard{
			sessions: make(map[string]*session),
		}
	}

	return &ConnectionManager{
		shards:    shards,
		shardMask: uint64(actualShardCount - 1),
	}
}

func (cm *ConnectionManager) getShard(connID string) *connectionShard {
	return cm.shards[fnv1aHash(connID)&cm.shardMask]
}

// Store 登记会话
func (cm *ConnectionManager) Store(l *labour.Labour) {
	shard := cm.getShard(l.ID())
	shard.mu.Lock()
	shard.sessions[l.ID()] = &session{labour: l, address: l.Address(), startTime: time.Now()}
	shard.mu.Unlock()
	cm.count.Add(1)
}

// Delete 移除会话
func (cm *ConnectionManager) Delete(connID string) {
	shard := cm.getShard(connID)
	shard.mu.Lock()
	if _, exists := shard.sessions[connID]; exists {
		delete(shard.sessions, connID)
		cm.count.Add(-1)
	}
	shard.mu.Unlock()
}

// Count 在线会话数量
func (cm *ConnectionManager) Count() int64 {
	return cm.count.Load()
}

// Range 遍历在线会话，fn 返回 false 时停止
func (cm *ConnectionManager) Range(fn func(connID, address string, startTime time.Time) bool) {
	for _, shard := range cm.shards {
		shard.mu.RLock()
		for id, s := range shard.sessions {
			if !fn(id, s.address, s.startTime) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// OldestSession 最早建立的会话已持续的时间，没有会话时为 0
func (cm *ConnectionManager) OldestSession() time.Duration {
	var oldest time.Time
	cm.Range(func(_, _ string, startTime time.Time) bool {
		if oldest.IsZero() || startTime.Before(oldest) {
			oldest = startTime
		}
		return true
	})
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// fnv1aHash FNV-1a 哈希函数
func fnv1aHash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}
