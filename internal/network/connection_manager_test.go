package network

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/labour"
)

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager(5)
	if len(cm.shards) != 8 {
		t.Fatalf("分片数量应向上取 2 的幂, 实际 %d", len(cm.shards))
	}

	deps := &labour.Deps{RateLimit: config.RateLimitConfig{Interval: time.Second, MaxBurst: 1}, Logger: zerolog.Nop()}
	a := labour.New(nil, "10.0.0.1", deps)
	b := labour.New(nil, "10.0.0.2", deps)
	cm.Store(a)
	cm.Store(b)

	if cm.Count() != 2 {
		t.Fatalf("期望 2 个会话, 实际 %d", cm.Count())
	}
	if cm.OldestSession() < 0 {
		t.Error("会话时长不应为负")
	}

	seen := map[string]string{}
	cm.Range(func(id, address string, _ time.Time) bool {
		seen[id] = address
		return true
	})
	if seen[a.ID()] != "10.0.0.1" || seen[b.ID()] != "10.0.0.2" {
		t.Errorf("遍历结果不正确: %v", seen)
	}

	cm.Delete(a.ID())
	cm.Delete(a.ID())
	if cm.Count() != 1 {
		t.Errorf("重复删除后期望 1 个会话, 实际 %d", cm.Count())
	}

	cm.Delete(b.ID())
	if cm.OldestSession() != 0 {
		t.Error("没有会话时时长应为 0")
	}
}
