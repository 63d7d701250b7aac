package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory 进程内存储，按键哈希分片减少锁竞争，过期键在访问时惰性删除
type Memory struct {
	shards    []*memoryShard
	shardMask uint64
	now       func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value    string
	expireAt time.Time // 零值表示永不过期
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// NewMemory 创建内存存储
func NewMemory(shardCount int) *Memory {
	if shardCount <= 0 {
		shardCount = 16
	}

	// 分片数取 2 的幂
	actual := 1
	for actual < shardCount {
		actual <<= 1
	}

	shards := make([]*memoryShard, actual)
	for i := range shards {
		shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}

	return &Memory{
		shards:    shards,
		shardMask: uint64(actual - 1),
		now:       time.Now,
	}
}

func (m *Memory) getShard(key string) *memoryShard {
	return m.shards[fnv1aHash(key)&m.shardMask]
}

func (m *Memory) expireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// lookup 调用方须持有分片锁
func (s *memoryShard) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.lookup(key, m.now())
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.lookup(key, m.now()); ok {
		return false, nil
	}
	shard.entries[key] = memoryEntry{value: value, expireAt: m.expireAt(ttl)}
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.lookup(key, m.now())
	if !ok {
		shard.entries[key] = memoryEntry{value: "1", expireAt: m.expireAt(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	shard.entries[key] = e
	return n, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	shard := m.getShard(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
	return nil
}

// Len 未过期的键数量
func (m *Memory) Len() int {
	now := m.now()
	count := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for _, e := range shard.entries {
			if !e.expired(now) {
				count++
			}
		}
		shard.mu.Unlock()
	}
	return count
}

// Close 内存存储无需释放资源
func (m *Memory) Close() error {
	return nil
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
