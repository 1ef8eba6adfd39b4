package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// SQLAdapter implements Adapter over a Postgres (pgx) connection pool,
// emulating the key/value, hash, list, and sorted-set primitives on top of
// four generic tables created by migrations/ (agentmesh_kv, agentmesh_hash,
// agentmesh_list, agentmesh_zset). This lets deployments that already run
// Postgres for other state reuse it for the mesh instead of standing up
// Redis, at the cost of lock contention the Redis backend doesn't have.
type SQLAdapter struct {
	pool *pgxpool.Pool
}

// NewSQLAdapter opens a pgx pool against dsn with the given pool
// configuration.
func NewSQLAdapter(ctx context.Context, dsn string, cfg PoolConfig) (*SQLAdapter, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sql.connect", "invalid DSN", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sql.connect", "pool creation failed", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sql.connect", "ping failed", err)
	}
	return &SQLAdapter{pool: pool}, nil
}

func wrapSQLErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return agentmesherr.Wrap(agentmesherr.KindStorageError, op, "sql operation failed", err)
}

func (s *SQLAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM agentmesh_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, wrapSQLErr("storage.sql.get", err)
	}
	return value, true, nil
}

func (s *SQLAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentmesh_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return wrapSQLErr("storage.sql.set", err)
}

func (s *SQLAdapter) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agentmesh_kv WHERE key = $1`, key)
	if err != nil {
		return wrapSQLErr("storage.sql.delete", err)
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM agentmesh_hash WHERE key = $1`, key)
	_, _ = s.pool.Exec(ctx, `DELETE FROM agentmesh_list WHERE key = $1`, key)
	_, _ = s.pool.Exec(ctx, `DELETE FROM agentmesh_zset WHERE key = $1`, key)
	return nil
}

func (s *SQLAdapter) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM agentmesh_hash WHERE key = $1 AND field = $2`, key, field,
	).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, wrapSQLErr("storage.sql.hget", err)
	}
	return value, true, nil
}

func (s *SQLAdapter) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentmesh_hash (key, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
		key, field, value,
	)
	return wrapSQLErr("storage.sql.hset", err)
}

func (s *SQLAdapter) HDel(ctx context.Context, key, field string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agentmesh_hash WHERE key = $1 AND field = $2`, key, field)
	return wrapSQLErr("storage.sql.hdel", err)
}

func (s *SQLAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT field, value FROM agentmesh_hash WHERE key = $1`, key)
	if err != nil {
		return nil, wrapSQLErr("storage.sql.hgetall", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, wrapSQLErr("storage.sql.hgetall", err)
		}
		out[f] = v
	}
	return out, wrapSQLErr("storage.sql.hgetall", rows.Err())
}

func (s *SQLAdapter) LPush(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentmesh_list (key, seq, value) VALUES ($1,
		   (SELECT COALESCE(MIN(seq), 0) - 1 FROM agentmesh_list WHERE key = $1), $2)`,
		key, value,
	)
	return wrapSQLErr("storage.sql.lpush", err)
}

func (s *SQLAdapter) RPush(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentmesh_list (key, seq, value) VALUES ($1,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM agentmesh_list WHERE key = $1), $2)`,
		key, value,
	)
	return wrapSQLErr("storage.sql.rpush", err)
}

func (s *SQLAdapter) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT value FROM agentmesh_list WHERE key = $1 ORDER BY seq ASC`, key)
	if err != nil {
		return nil, wrapSQLErr("storage.sql.lrange", err)
	}
	defer rows.Close()
	var all []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapSQLErr("storage.sql.lrange", err)
		}
		all = append(all, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLErr("storage.sql.lrange", err)
	}
	n := len(all)
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
	return all[start : stop+1], nil
}

func (s *SQLAdapter) LLen(ctx context.Context, key string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agentmesh_list WHERE key = $1`, key).Scan(&n)
	return n, wrapSQLErr("storage.sql.llen", err)
}

func (s *SQLAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentmesh_zset (key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (key, member) DO UPDATE SET score = excluded.score`,
		key, member, score,
	)
	return wrapSQLErr("storage.sql.zadd", err)
}

func (s *SQLAdapter) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member, score FROM agentmesh_zset WHERE key = $1 AND score >= $2 AND score <= $3 ORDER BY score ASC, member ASC`,
		key, min, max,
	)
	if err != nil {
		return nil, wrapSQLErr("storage.sql.zrange", err)
	}
	defer rows.Close()
	var out []ZMember
	for rows.Next() {
		var z ZMember
		if err := rows.Scan(&z.Member, &z.Score); err != nil {
			return nil, wrapSQLErr("storage.sql.zrange", err)
		}
		out = append(out, z)
	}
	return out, wrapSQLErr("storage.sql.zrange", rows.Err())
}

func (s *SQLAdapter) ZRem(ctx context.Context, key, member string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agentmesh_zset WHERE key = $1 AND member = $2`, key, member)
	return wrapSQLErr("storage.sql.zrem", err)
}

func (s *SQLAdapter) Incr(ctx context.Context, key string, delta float64) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agentmesh_kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = (agentmesh_kv.value::float8 + $2)::text
		 RETURNING value::float8`,
		key, delta,
	).Scan(&total)
	return total, wrapSQLErr("storage.sql.incr", err)
}

func (s *SQLAdapter) Decr(ctx context.Context, key string, delta float64) (float64, error) {
	return s.Incr(ctx, key, -delta)
}

func (s *SQLAdapter) Scan(ctx context.Context, pattern, cursor string, limit int) (ScanResult, error) {
	likePattern := sqlLikeFromGlob(pattern)
	var afterKey string
	if cursor != "" {
		afterKey = cursor
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM agentmesh_kv WHERE key LIKE $1 AND key > $2 ORDER BY key ASC LIMIT $3`,
		likePattern, afterKey, limit,
	)
	if err != nil {
		return ScanResult{}, wrapSQLErr("storage.sql.scan", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return ScanResult{}, wrapSQLErr("storage.sql.scan", err)
		}
		keys = append(keys, k)
	}
	next := ""
	if len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return ScanResult{Keys: keys, Cursor: next}, wrapSQLErr("storage.sql.scan", rows.Err())
}

// sqlLikeFromGlob translates the path.Match-style glob used elsewhere in
// this package ("*" wildcard) into a SQL LIKE pattern.
func sqlLikeFromGlob(pattern string) string {
	if pattern == "" {
		return "%"
	}
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			out = append(out, '%')
		case '%', '_':
			out = append(out, '\\', pattern[i])
		default:
			out = append(out, pattern[i])
		}
	}
	return string(out)
}

func (s *SQLAdapter) Batch(ctx context.Context, ops []Op) ([]OpResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapSQLErr("storage.sql.batch", err)
	}
	defer tx.Rollback(ctx)

	results := make([]OpResult, len(ops))
	for i, op := range ops {
		var opErr error
		switch op.Kind {
		case OpSet:
			opErr = s.Set(ctx, op.Key, op.Value, op.TTL)
		case OpHSet:
			opErr = s.HSet(ctx, op.Key, op.Field, op.Value)
		case OpIncr:
			_, opErr = s.Incr(ctx, op.Key, op.Delta)
		case OpDecr:
			_, opErr = s.Decr(ctx, op.Key, op.Delta)
		default:
			opErr = fmt.Errorf("storage.sql.batch: unknown op kind %s", op.Kind)
		}
		results[i] = OpResult{Err: opErr}
	}
	return results, wrapSQLErr("storage.sql.batch", tx.Commit(ctx))
}

func (s *SQLAdapter) Close() error {
	s.pool.Close()
	return nil
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}
