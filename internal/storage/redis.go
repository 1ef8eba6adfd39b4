package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// RedisAdapter implements Adapter over a pooled go-redis client, for
// multi-process deployments where storage state must be shared across
// instances (revocation set broadcast, distributed rate limiting).
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter dials Redis at url with the given pool configuration and
// verifies connectivity with a Ping bounded by cfg.ConnectTimeout.
func NewRedisAdapter(ctx context.Context, url string, cfg PoolConfig) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.redis.connect", "invalid redis URL", err)
	}
	opts.PoolSize = cfg.PoolSize
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.redis.connect", "redis ping failed", err)
	}
	return &RedisAdapter{client: client}, nil
}

func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return agentmesherr.Wrap(agentmesherr.KindStorageError, op, "redis operation failed", err)
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedisErr("storage.redis.get", err)
	}
	return v, true, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapRedisErr("storage.redis.set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	return wrapRedisErr("storage.redis.delete", r.client.Del(ctx, key).Err())
}

func (r *RedisAdapter) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedisErr("storage.redis.hget", err)
	}
	return v, true, nil
}

func (r *RedisAdapter) HSet(ctx context.Context, key, field, value string) error {
	return wrapRedisErr("storage.redis.hset", r.client.HSet(ctx, key, field, value).Err())
}

func (r *RedisAdapter) HDel(ctx context.Context, key, field string) error {
	return wrapRedisErr("storage.redis.hdel", r.client.HDel(ctx, key, field).Err())
}

func (r *RedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr("storage.redis.hgetall", err)
	}
	return m, nil
}

func (r *RedisAdapter) LPush(ctx context.Context, key, value string) error {
	return wrapRedisErr("storage.redis.lpush", r.client.LPush(ctx, key, value).Err())
}

func (r *RedisAdapter) RPush(ctx context.Context, key, value string) error {
	return wrapRedisErr("storage.redis.rpush", r.client.RPush(ctx, key, value).Err())
}

func (r *RedisAdapter) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, int64(start), int64(stop)).Result()
	if err != nil {
		return nil, wrapRedisErr("storage.redis.lrange", err)
	}
	return vals, nil
}

func (r *RedisAdapter) LLen(ctx context.Context, key string) (int, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrapRedisErr("storage.redis.llen", err)
	}
	return int(n), nil
}

func (r *RedisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapRedisErr("storage.redis.zadd", r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *RedisAdapter) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	raw, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, wrapRedisErr("storage.redis.zrange", err)
	}
	out := make([]ZMember, 0, len(raw))
	for _, z := range raw {
		member, _ := z.Member.(string)
		out = append(out, ZMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (r *RedisAdapter) ZRem(ctx context.Context, key, member string) error {
	return wrapRedisErr("storage.redis.zrem", r.client.ZRem(ctx, key, member).Err())
}

func (r *RedisAdapter) Incr(ctx context.Context, key string, delta float64) (float64, error) {
	v, err := r.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, wrapRedisErr("storage.redis.incr", err)
	}
	return v, nil
}

func (r *RedisAdapter) Decr(ctx context.Context, key string, delta float64) (float64, error) {
	return r.Incr(ctx, key, -delta)
}

func (r *RedisAdapter) Scan(ctx context.Context, pattern, cursor string, limit int) (ScanResult, error) {
	var cur uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return ScanResult{}, agentmesherr.New(agentmesherr.KindInvalidInput, "storage.redis.scan", "invalid cursor")
		}
		cur = n
	}
	keys, next, err := r.client.Scan(ctx, cur, pattern, int64(limit)).Result()
	if err != nil {
		return ScanResult{}, wrapRedisErr("storage.redis.scan", err)
	}
	nextStr := ""
	if next != 0 {
		nextStr = fmt.Sprintf("%d", next)
	}
	return ScanResult{Keys: keys, Cursor: nextStr}, nil
}

func (r *RedisAdapter) Batch(ctx context.Context, ops []Op) ([]OpResult, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StatusCmd, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpSet:
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case OpHSet:
			pipe.HSet(ctx, op.Key, op.Field, op.Value)
		case OpIncr:
			pipe.IncrByFloat(ctx, op.Key, op.Delta)
		case OpDecr:
			pipe.IncrByFloat(ctx, op.Key, -op.Delta)
		}
	}
	_, err := pipe.Exec(ctx)
	results := make([]OpResult, len(ops))
	for i := range ops {
		results[i] = OpResult{Err: err}
	}
	return results, nil
}

func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
