package storage

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// SQLiteAdapter implements Adapter over an embedded modernc.org/sqlite
// database file, for single-process deployments that want the SQL
// backend's durability without running a separate Postgres instance.
// It targets the same agentmesh_kv/agentmesh_hash/agentmesh_list/
// agentmesh_zset schema as SQLAdapter but speaks database/sql directly
// since modernc.org/sqlite has no pgx-compatible pool type.
type SQLiteAdapter struct {
	db *sql.DB
}

// NewSQLiteAdapter opens (or creates) a sqlite database file at path.
func NewSQLiteAdapter(ctx context.Context, path string, cfg PoolConfig) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sqlite.connect", "open failed", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sqlite.connect", "ping failed", err)
	}
	return &SQLiteAdapter{db: db}, nil
}

// RunMigrations executes every .sql file in migrationsFS against the
// sqlite file, in filename order. Full-line "--" comments are dropped,
// then statements are split on ";" and run individually since the sqlite
// driver does not support multi-statement Exec calls the way pgx does;
// every statement must still be idempotent.
func (s *SQLiteAdapter) RunMigrations(ctx context.Context, migrationsFS fs.FS, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sqlite.migrate", "read migrations dir", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, entry.Name())
		if err != nil {
			return agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sqlite.migrate", "read migration "+entry.Name(), err)
		}

		logger.Info("storage: running migration", "file", entry.Name())
		var sqlLines []string
		for _, line := range strings.Split(string(content), "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "--") {
				sqlLines = append(sqlLines, line)
			}
		}
		for _, stmt := range strings.Split(strings.Join(sqlLines, "\n"), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sqlite.migrate", "execute migration "+entry.Name(), err)
			}
		}
	}

	return nil
}

func wrapSQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return agentmesherr.Wrap(agentmesherr.KindStorageError, op, "sqlite operation failed", err)
}

func (s *SQLiteAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agentmesh_kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().Unix(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapSQLiteErr("storage.sqlite.get", err)
	}
	return value, true, nil
}

func (s *SQLiteAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agentmesh_kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return wrapSQLiteErr("storage.sqlite.set", err)
}

func (s *SQLiteAdapter) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agentmesh_kv WHERE key = ?`, key)
	if err != nil {
		return wrapSQLiteErr("storage.sqlite.delete", err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM agentmesh_hash WHERE key = ?`, key)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM agentmesh_list WHERE key = ?`, key)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM agentmesh_zset WHERE key = ?`, key)
	return nil
}

func (s *SQLiteAdapter) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agentmesh_hash WHERE key = ? AND field = ?`, key, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapSQLiteErr("storage.sqlite.hget", err)
	}
	return value, true, nil
}

func (s *SQLiteAdapter) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agentmesh_hash (key, field, value) VALUES (?, ?, ?)
		 ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`,
		key, field, value,
	)
	return wrapSQLiteErr("storage.sqlite.hset", err)
}

func (s *SQLiteAdapter) HDel(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agentmesh_hash WHERE key = ? AND field = ?`, key, field)
	return wrapSQLiteErr("storage.sqlite.hdel", err)
}

func (s *SQLiteAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM agentmesh_hash WHERE key = ?`, key)
	if err != nil {
		return nil, wrapSQLiteErr("storage.sqlite.hgetall", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, wrapSQLiteErr("storage.sqlite.hgetall", err)
		}
		out[f] = v
	}
	return out, wrapSQLiteErr("storage.sqlite.hgetall", rows.Err())
}

func (s *SQLiteAdapter) LPush(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agentmesh_list (key, seq, value) VALUES (?,
		   (SELECT COALESCE(MIN(seq), 0) - 1 FROM agentmesh_list WHERE key = ?), ?)`,
		key, key, value,
	)
	return wrapSQLiteErr("storage.sqlite.lpush", err)
}

func (s *SQLiteAdapter) RPush(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agentmesh_list (key, seq, value) VALUES (?,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM agentmesh_list WHERE key = ?), ?)`,
		key, key, value,
	)
	return wrapSQLiteErr("storage.sqlite.rpush", err)
}

func (s *SQLiteAdapter) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM agentmesh_list WHERE key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, wrapSQLiteErr("storage.sqlite.lrange", err)
	}
	defer rows.Close()
	var all []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapSQLiteErr("storage.sqlite.lrange", err)
		}
		all = append(all, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr("storage.sqlite.lrange", err)
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

func (s *SQLiteAdapter) LLen(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agentmesh_list WHERE key = ?`, key).Scan(&n)
	return n, wrapSQLiteErr("storage.sqlite.llen", err)
}

func (s *SQLiteAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agentmesh_zset (key, member, score) VALUES (?, ?, ?)
		 ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`,
		key, member, score,
	)
	return wrapSQLiteErr("storage.sqlite.zadd", err)
}

func (s *SQLiteAdapter) ZRange(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member, score FROM agentmesh_zset WHERE key = ? AND score >= ? AND score <= ? ORDER BY score ASC, member ASC`,
		key, min, max,
	)
	if err != nil {
		return nil, wrapSQLiteErr("storage.sqlite.zrange", err)
	}
	defer rows.Close()
	var out []ZMember
	for rows.Next() {
		var z ZMember
		if err := rows.Scan(&z.Member, &z.Score); err != nil {
			return nil, wrapSQLiteErr("storage.sqlite.zrange", err)
		}
		out = append(out, z)
	}
	return out, wrapSQLiteErr("storage.sqlite.zrange", rows.Err())
}

func (s *SQLiteAdapter) ZRem(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agentmesh_zset WHERE key = ? AND member = ?`, key, member)
	return wrapSQLiteErr("storage.sqlite.zrem", err)
}

func (s *SQLiteAdapter) Incr(ctx context.Context, key string, delta float64) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQLiteErr("storage.sqlite.incr", err)
	}
	defer tx.Rollback()

	var current float64
	err = tx.QueryRowContext(ctx, `SELECT value FROM agentmesh_kv WHERE key = ?`, key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, wrapSQLiteErr("storage.sqlite.incr", err)
	}
	total := current + delta
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agentmesh_kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, total,
	)
	if err != nil {
		return 0, wrapSQLiteErr("storage.sqlite.incr", err)
	}
	return total, wrapSQLiteErr("storage.sqlite.incr", tx.Commit())
}

func (s *SQLiteAdapter) Decr(ctx context.Context, key string, delta float64) (float64, error) {
	return s.Incr(ctx, key, -delta)
}

func (s *SQLiteAdapter) Scan(ctx context.Context, pattern, cursor string, limit int) (ScanResult, error) {
	likePattern := sqlLikeFromGlob(pattern)
	afterKey := cursor
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM agentmesh_kv WHERE key LIKE ? AND key > ? ORDER BY key ASC LIMIT ?`,
		likePattern, afterKey, limit,
	)
	if err != nil {
		return ScanResult{}, wrapSQLiteErr("storage.sqlite.scan", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return ScanResult{}, wrapSQLiteErr("storage.sqlite.scan", err)
		}
		keys = append(keys, k)
	}
	next := ""
	if len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return ScanResult{Keys: keys, Cursor: next}, wrapSQLiteErr("storage.sqlite.scan", rows.Err())
}

func (s *SQLiteAdapter) Batch(ctx context.Context, ops []Op) ([]OpResult, error) {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		var err error
		switch op.Kind {
		case OpSet:
			err = s.Set(ctx, op.Key, op.Value, op.TTL)
		case OpHSet:
			err = s.HSet(ctx, op.Key, op.Field, op.Value)
		case OpIncr:
			_, err = s.Incr(ctx, op.Key, op.Delta)
		case OpDecr:
			_, err = s.Decr(ctx, op.Key, op.Delta)
		default:
			err = agentmesherr.New(agentmesherr.KindInvalidInput, "storage.sqlite.batch", "unknown op kind "+string(op.Kind))
		}
		results[i] = OpResult{Err: err}
	}
	return results, nil
}

func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}
