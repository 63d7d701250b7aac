// Package pool 维护按权重分桶的房间目录，并按权重从高到低分配房间
package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"synergetic-monitor/internal/store"
)

// Room 一个直播间及其调度权重
type Room struct {
	ID     string `json:"id" yaml:"id"`
	Weight int    `json:"weight" yaml:"weight"`
}

// Scorer 根据累计观测次数计算房间的新权重
type Scorer func(room Room, observations int64) int

// KeepWeight 默认评分函数，权重保持不变
func KeepWeight(room Room, _ int64) int {
	return room.Weight
}

type entry struct {
	room         Room
	observations int64
}

// Pool 房间池，所有会话共享
type Pool struct {
	mu       sync.RWMutex
	rooms    map[string]*entry
	buckets  map[int][]string // 权重 -> 按 ID 升序的房间
	weights  []int            // 非空桶的权重，降序
	capacity int
	scorer   Scorer
	store    store.Store
}

// New 创建房间池，capacity <= 0 表示不限容量，st 为 nil 时观测次数不持久化
func New(capacity int, st store.Store) *Pool {
	return &Pool{
		rooms:    make(map[string]*entry),
		buckets:  make(map[int][]string),
		capacity: capacity,
		scorer:   KeepWeight,
		store:    st,
	}
}

// SetScorer 替换评分函数
func (p *Pool) SetScorer(s Scorer) {
	if s == nil {
		s = KeepWeight
	}
	p.mu.Lock()
	p.scorer = s
	p.mu.Unlock()
}

// Assign 返回至多 n 个不重复的房间 ID，权重高者优先，同权重按 ID 升序
func (p *Pool) Assign(n int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(p.rooms) {
		n = len(p.rooms)
	}

	ids := make([]string, 0, n)
	for _, w := range p.weights {
		for _, id := range p.buckets[w] {
			if len(ids) == n {
				return ids
			}
			ids = append(ids, id)
		}
	}
	return ids
}

// RecordObservation 记录房间被观测一次并按评分函数调整其所在的桶，
// 返回的错误只来自持久化，内存计数总会更新
func (p *Pool) RecordObservation(ctx context.Context, ids ...string) error {
	observed := make([]string, 0, len(ids))

	p.mu.Lock()
	for _, id := range ids {
		e, ok := p.rooms[id]
		if !ok {
			continue
		}
		e.observations++
		p.rescore(id, e)
		observed = append(observed, id)
	}
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	var errs []error
	for _, id := range observed {
		if _, err := p.store.Incr(ctx, observedKey(id), 0); err != nil {
			errs = append(errs, fmt.Errorf("记录房间 %s 观测次数失败: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// LoadObservations 从存储读回观测次数，存储中的值更大时覆盖内存计数并重新评分
func (p *Pool) LoadObservations(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	p.mu.RLock()
	ids := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	loaded := make(map[string]int64, len(ids))
	var errs []error
	for _, id := range ids {
		value, err := p.store.Get(ctx, observedKey(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("读取房间 %s 观测次数失败: %w", id, err))
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("房间 %s 观测次数无效: %w", id, err))
			continue
		}
		loaded[id] = n
	}

	p.mu.Lock()
	for id, n := range loaded {
		// 读取期间房间可能已被移除
		e, ok := p.rooms[id]
		if !ok || n <= e.observations {
			continue
		}
		e.observations = n
		p.rescore(id, e)
	}
	p.mu.Unlock()

	return errors.Join(errs...)
}

// rescore 按当前观测次数重新计算权重，调用方须持有写锁
func (p *Pool) rescore(id string, e *entry) {
	if w := p.scorer(e.room, e.observations); w != e.room.Weight {
		p.unlink(id, e.room.Weight)
		e.room.Weight = w
		p.link(id, w)
	}
}

func observedKey(id string) string { return "pool:observed:" + id }

// Observations 房间的累计观测次数
func (p *Pool) Observations(id string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.rooms[id]; ok {
		return e.observations
	}
	return 0
}

// Upsert 添加或更新房间，池满时拒绝新房间
func (p *Pool) Upsert(room Room) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.rooms[room.ID]; ok {
		if e.room.Weight != room.Weight {
			p.unlink(room.ID, e.room.Weight)
			e.room.Weight = room.Weight
			p.link(room.ID, room.Weight)
		}
		return true
	}

	if p.capacity > 0 && len(p.rooms) >= p.capacity {
		return false
	}
	p.rooms[room.ID] = &entry{room: room}
	p.link(room.ID, room.Weight)
	return true
}

// Remove 移除房间
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.rooms[id]
	if !ok {
		return false
	}
	p.unlink(id, e.room.Weight)
	delete(p.rooms, id)
	return true
}

// Replace 用新目录整体替换房间池，超出容量时保留权重最高的房间，保留仍存在房间的观测次数
func (p *Pool) Replace(rooms []Room) int {
	sorted := dedupe(rooms)
	sortRooms(sorted)
	if p.capacity > 0 && len(sorted) > p.capacity {
		sorted = sorted[:p.capacity]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.rooms
	p.rooms = make(map[string]*entry, len(sorted))
	p.buckets = make(map[int][]string)
	p.weights = p.weights[:0]
	for _, room := range sorted {
		e := &entry{room: room}
		if prev, ok := old[room.ID]; ok {
			e.observations = prev.observations
		}
		p.rooms[room.ID] = e
		p.link(room.ID, room.Weight)
	}
	return len(p.rooms)
}

// dedupe 同一 ID 出现多次时保留最后一次
func dedupe(rooms []Room) []Room {
	index := make(map[string]int, len(rooms))
	out := make([]Room, 0, len(rooms))
	for _, room := range rooms {
		if i, ok := index[room.ID]; ok {
			out[i] = room
			continue
		}
		index[room.ID] = len(out)
		out = append(out, room)
	}
	return out
}

func sortRooms(rooms []Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Weight != rooms[j].Weight {
			return rooms[i].Weight > rooms[j].Weight
		}
		return rooms[i].ID < rooms[j].ID
	})
}

// Len 房间数量
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms)
}

// Snapshot 按分配顺序返回全部房间
func (p *Pool) Snapshot() []Room {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rooms := make([]Room, 0, len(p.rooms))
	for _, w := range p.weights {
		for _, id := range p.buckets[w] {
			rooms = append(rooms, p.rooms[id].room)
		}
	}
	return rooms
}

// descending 权重降序比较
func descending(a, b int) int { return cmp.Compare(b, a) }

// link 把房间放入权重桶，调用方须持有写锁
func (p *Pool) link(id string, weight int) {
	bucket, ok := p.buckets[weight]
	if !ok {
		i, _ := slices.BinarySearchFunc(p.weights, weight, descending)
		p.weights = slices.Insert(p.weights, i, weight)
	}
	i, _ := slices.BinarySearch(bucket, id)
	p.buckets[weight] = slices.Insert(bucket, i, id)
}

// unlink 把房间移出权重桶，桶空时删除，调用方须持有写锁
func (p *Pool) unlink(id string, weight int) {
	bucket := p.buckets[weight]
	i, found := slices.BinarySearch(bucket, id)
	if !found {
		return
	}
	bucket = slices.Delete(bucket, i, i+1)
	if len(bucket) > 0 {
		p.buckets[weight] = bucket
		return
	}
	delete(p.buckets, weight)
	if j, found := slices.BinarySearchFunc(p.weights, weight, descending); found {
		p.weights = slices.Delete(p.weights, j, j+1)
	}
}
