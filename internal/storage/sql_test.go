package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/storage"
	"github.com/agentmesh/mesh/internal/testutil"
)

func newTestSQLAdapter(t *testing.T) *storage.SQLAdapter {
	t.Helper()
	adapter, err := testPG.NewSQLAdapter(context.Background(), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func TestSQLAdapter_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLAdapter(t)
	key := fmt.Sprintf("sql-kv-%d", time.Now().UnixNano())

	require.NoError(t, a.Set(ctx, key, "v1", 0))
	v, ok, err := a.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, a.Delete(ctx, key))
	_, ok, err = a.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLAdapter_HashRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLAdapter(t)
	key := fmt.Sprintf("sql-hash-%d", time.Now().UnixNano())

	require.NoError(t, a.HSet(ctx, key, "f1", "v1"))
	v, ok, err := a.HGet(ctx, key, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	all, err := a.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1"}, all)
}

func TestSQLAdapter_SortedSet(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLAdapter(t)
	key := fmt.Sprintf("sql-zset-%d", time.Now().UnixNano())

	require.NoError(t, a.ZAdd(ctx, key, 900, "agent-a"))
	require.NoError(t, a.ZAdd(ctx, key, 500, "agent-b"))

	members, err := a.ZRange(ctx, key, 0, 1000)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "agent-b", members[0].Member)

	require.NoError(t, a.ZRem(ctx, key, "agent-b"))
	members, err = a.ZRange(ctx, key, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSQLAdapter_Counters(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLAdapter(t)
	key := fmt.Sprintf("sql-counter-%d", time.Now().UnixNano())

	v, err := a.Incr(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = a.Decr(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestSQLAdapter_Batch(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLAdapter(t)
	key := fmt.Sprintf("sql-batch-%d", time.Now().UnixNano())

	results, err := a.Batch(ctx, []storage.Op{
		{Kind: storage.OpSet, Key: key, Value: "v1"},
		{Kind: storage.OpIncr, Key: key + "-ctr", Delta: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	v, ok, err := a.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

// RunMigrations is applied once via testutil.TestContainer.NewSQLAdapter
// in newTestSQLAdapter; running it again here confirms every statement
// is idempotent, since the runner tracks no migration history.
func TestSQLAdapter_RunMigrationsIsIdempotent(t *testing.T) {
	newTestSQLAdapter(t)
	newTestSQLAdapter(t)
}
