package storage

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// MemoryAdapter is the default in-process Adapter backend. It is the
// backend used by every unit test and the reference implementation every
// other backend's behavior is checked against.
type MemoryAdapter struct {
	mu       sync.RWMutex
	values   map[string]valueEntry
	hashes   map[string]map[string]string
	lists    map[string][]string
	zsets    map[string]map[string]float64
	counters map[string]float64
}

type valueEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMemoryAdapter constructs an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		values:   make(map[string]valueEntry),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		zsets:    make(map[string]map[string]float64),
		counters: make(map[string]float64),
	}
}

func (m *MemoryAdapter) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.values[key]
	if !ok || m.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryAdapter) expired(e valueEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (m *MemoryAdapter) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.values[key] = valueEntry{value: value, expires: expires}
	return nil
}

func (m *MemoryAdapter) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.counters, key)
	return nil
}

func (m *MemoryAdapter) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *MemoryAdapter) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemoryAdapter) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

func (m *MemoryAdapter) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryAdapter) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *MemoryAdapter) RPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *MemoryAdapter) LRange(_ context.Context, key string, start, stop int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.lists[key]
	n := len(l)
	if n == 0 {
		return nil, nil
	}
	start = normalizeIndex(start, n)
	stop = normalizeIndex(stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func normalizeIndex(i, n int) int {
	if i < 0 {
		i = n + i
	}
	if i < 0 {
		i = 0
	}
	return i
}

func (m *MemoryAdapter) LLen(_ context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lists[key]), nil
}

func (m *MemoryAdapter) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryAdapter) ZRange(_ context.Context, key string, min, max float64) ([]ZMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ZMember
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, ZMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *MemoryAdapter) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (m *MemoryAdapter) Incr(_ context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
	return m.counters[key], nil
}

func (m *MemoryAdapter) Decr(_ context.Context, key string, delta float64) (float64, error) {
	return m.Incr(context.Background(), key, -delta)
}

func (m *MemoryAdapter) Scan(_ context.Context, pattern, cursor string, limit int) (ScanResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make(map[string]struct{})
	for k := range m.values {
		all[k] = struct{}{}
	}
	for k := range m.hashes {
		all[k] = struct{}{}
	}
	for k := range m.lists {
		all[k] = struct{}{}
	}
	for k := range m.zsets {
		all[k] = struct{}{}
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		if ok, _ := path.Match(pattern, k); ok || pattern == "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil {
			start = n
		}
	}
	if start >= len(keys) {
		return ScanResult{}, nil
	}
	end := start + limit
	if limit <= 0 || end > len(keys) {
		end = len(keys)
	}
	page := keys[start:end]
	next := ""
	if end < len(keys) {
		next = strconv.Itoa(end)
	}
	return ScanResult{Keys: page, Cursor: next}, nil
}

func (m *MemoryAdapter) Batch(ctx context.Context, ops []Op) ([]OpResult, error) {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		var err error
		switch op.Kind {
		case OpSet:
			err = m.Set(ctx, op.Key, op.Value, op.TTL)
		case OpHSet:
			err = m.HSet(ctx, op.Key, op.Field, op.Value)
		case OpIncr:
			_, err = m.Incr(ctx, op.Key, op.Delta)
		case OpDecr:
			_, err = m.Decr(ctx, op.Key, op.Delta)
		default:
			err = agentmesherr.New(agentmesherr.KindInvalidInput, "storage.batch", "unknown op kind "+string(op.Kind))
		}
		results[i] = OpResult{Err: err}
	}
	return results, nil
}

func (m *MemoryAdapter) Close() error { return nil }
