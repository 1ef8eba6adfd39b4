// Package storage defines the Storage Adapter (C14): an abstract
// key/value, hash, ordered-list, and sorted-set interface that every
// other component depends on instead of a concrete database client.
// Three backends implement it: Memory (default, in-process), Redis
// (github.com/redis/go-redis/v9), and SQL (github.com/jackc/pgx/v5 for
// Postgres, modernc.org/sqlite for embedded deployments).
package storage

import (
	"context"
	"time"
)

// ScanResult is a single page of a pattern scan.
type ScanResult struct {
	Keys   []string
	Cursor string // empty when exhausted
}

// ZMember is one sorted-set member and its score.
type ZMember struct {
	Member string
	Score  float64
}

// Op is one operation in a Batch call. Exactly one of the fields
// corresponding to Kind is populated.
type Op struct {
	Kind  OpKind
	Key   string
	Field string
	Value string
	TTL   time.Duration
	Delta float64
}

// OpKind enumerates the primitive operations a Batch can carry.
type OpKind string

const (
	OpSet  OpKind = "set"
	OpHSet OpKind = "hset"
	OpIncr OpKind = "incr"
	OpDecr OpKind = "decr"
)

// OpResult is the outcome of one Op within a Batch call.
type OpResult struct {
	Err error
}

// Adapter is the abstract storage interface every component programs
// against. Backends provide no cross-operation atomicity beyond what's
// documented per method; Batch is explicitly best-effort.
type Adapter interface {
	// Key/value with optional TTL.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Hash: named fields within one key.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Ordered list, stable iteration order.
	LPush(ctx context.Context, key, value string) error
	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)
	LLen(ctx context.Context, key string) (int, error)

	// Sorted set keyed by a numeric score (C9 tier rankings).
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error)
	ZRem(ctx context.Context, key, member string) error

	// Atomic counters.
	Incr(ctx context.Context, key string, delta float64) (float64, error)
	Decr(ctx context.Context, key string, delta float64) (float64, error)

	// Paged pattern iteration.
	Scan(ctx context.Context, pattern, cursor string, limit int) (ScanResult, error)

	// Best-effort batch; no cross-op atomicity is guaranteed.
	Batch(ctx context.Context, ops []Op) ([]OpResult, error)

	// Close releases pooled connections. A no-op for the memory backend.
	Close() error
}

// PoolConfig configures connection-pool-backed adapters (Redis, SQL).
type PoolConfig struct {
	PoolSize       int
	ConnectTimeout time.Duration
}

// DefaultPoolConfig returns the mesh's default pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{PoolSize: 10, ConnectTimeout: 30 * time.Second}
}
