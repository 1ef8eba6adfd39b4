package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmesh/mesh/internal/storage"
	"github.com/agentmesh/mesh/internal/testutil"
)

var (
	testRedisURL string
	testPG       *testutil.TestContainer
)

// TestMain stands up both backing stores integration tests in this
// package need (Redis for RedisAdapter, Postgres for SQLAdapter) once
// per test binary run, rather than once per test.
func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())

	testPG = testutil.MustStartPostgres()

	code := m.Run()

	_ = container.Terminate(ctx)
	testPG.Terminate()
	os.Exit(code)
}

func newTestRedisAdapter(t *testing.T) *storage.RedisAdapter {
	t.Helper()
	adapter, err := storage.NewRedisAdapter(context.Background(), testRedisURL, storage.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func TestRedisAdapter_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	a := newTestRedisAdapter(t)

	require.NoError(t, a.Set(ctx, "rk", "rv", 0))
	v, ok, err := a.Get(ctx, "rk")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rv", v)

	require.NoError(t, a.Delete(ctx, "rk"))
	_, ok, err = a.Get(ctx, "rk")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisAdapter_SortedSet(t *testing.T) {
	ctx := context.Background()
	a := newTestRedisAdapter(t)
	key := fmt.Sprintf("zset-test-%d", time.Now().UnixNano())

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

func TestRedisAdapter_Counters(t *testing.T) {
	ctx := context.Background()
	a := newTestRedisAdapter(t)
	key := fmt.Sprintf("counter-test-%d", time.Now().UnixNano())

	v, err := a.Incr(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = a.Decr(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestRedisAdapter_Hash(t *testing.T) {
	ctx := context.Background()
	a := newTestRedisAdapter(t)
	key := fmt.Sprintf("hash-test-%d", time.Now().UnixNano())

	require.NoError(t, a.HSet(ctx, key, "f1", "v1"))
	v, ok, err := a.HGet(ctx, key, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	all, err := a.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1"}, all)
}
