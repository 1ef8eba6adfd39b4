package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/storage"
)

func TestIsRevokedDID_FalseForUnknown(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter(), time.Minute)

	revoked, err := s.IsRevokedDID(ctx, "did:mesh:nobody")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeDID_MarksPermanentByDefault(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter(), time.Minute)

	require.NoError(t, s.RevokeDID(ctx, "did:mesh:bad-actor", "compromised", 0))
	revoked, err := s.IsRevokedDID(ctx, "did:mesh:bad-actor")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeDID_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter(), time.Minute)

	require.NoError(t, s.RevokeDID(ctx, "did:mesh:temp", "cooldown", 5*time.Millisecond))
	revoked, err := s.IsRevokedDID(ctx, "did:mesh:temp")
	require.NoError(t, err)
	assert.True(t, revoked)

	time.Sleep(20 * time.Millisecond)
	revoked, err = s.IsRevokedDID(ctx, "did:mesh:temp")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeCredential_IsIndependentOfDIDRevocation(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter(), time.Minute)

	require.NoError(t, s.RevokeCredential(ctx, "cred-123", "rotated", 0))

	revokedCred, err := s.IsRevokedCredential(ctx, "cred-123")
	require.NoError(t, err)
	assert.True(t, revokedCred)

	revokedDID, err := s.IsRevokedDID(ctx, "did:mesh:owner")
	require.NoError(t, err)
	assert.False(t, revokedDID)
}

type capturingSubscriber struct {
	calls []struct {
		kind   EntryKind
		id     string
		reason string
	}
}

func (c *capturingSubscriber) OnRevoked(_ context.Context, kind EntryKind, id, reason string) {
	c.calls = append(c.calls, struct {
		kind   EntryKind
		id     string
		reason string
	}{kind, id, reason})
}

func TestRevoke_NotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	sub := &capturingSubscriber{}
	s := New(storage.NewMemoryAdapter(), time.Minute, WithSubscriber(sub))

	require.NoError(t, s.RevokeDID(ctx, "did:mesh:bad-actor", "compromised", 0))
	require.Len(t, sub.calls, 1)
	assert.Equal(t, KindDID, sub.calls[0].kind)
	assert.Equal(t, "did:mesh:bad-actor", sub.calls[0].id)
}

type capturingPublisher struct {
	calls []struct {
		entryKind string
		id        string
		reason    string
	}
	err error
}

func (c *capturingPublisher) PublishRevocation(_ context.Context, entryKind, id, reason string) error {
	c.calls = append(c.calls, struct {
		entryKind string
		id        string
		reason    string
	}{entryKind, id, reason})
	return c.err
}

func TestRevoke_BroadcastsToEventPublisher(t *testing.T) {
	ctx := context.Background()
	pub := &capturingPublisher{}
	s := New(storage.NewMemoryAdapter(), time.Minute, WithEventPublisher(pub))

	require.NoError(t, s.RevokeDID(ctx, "did:mesh:bad-actor", "compromised", 0))
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "did", pub.calls[0].entryKind)
	assert.Equal(t, "did:mesh:bad-actor", pub.calls[0].id)
}

func TestRevoke_SucceedsEvenWhenEventPublisherErrors(t *testing.T) {
	ctx := context.Background()
	pub := &capturingPublisher{err: assert.AnError}
	s := New(storage.NewMemoryAdapter(), time.Minute, WithEventPublisher(pub))

	err := s.RevokeDID(ctx, "did:mesh:bad-actor", "compromised", 0)
	require.NoError(t, err)
	revoked, err := s.IsRevokedDID(ctx, "did:mesh:bad-actor")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestNotifyRevoked_SatisfiesIdentityNotifierShape(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter(), time.Minute)

	require.NoError(t, s.NotifyRevoked(ctx, []string{"did:mesh:a", "did:mesh:b"}, "cascaded"))

	for _, did := range []string{"did:mesh:a", "did:mesh:b"} {
		revoked, err := s.IsRevokedDID(ctx, did)
		require.NoError(t, err)
		assert.True(t, revoked)
	}
}

func TestIsRevokedDID_ServesFromCacheWithoutStorageHitAfterFirstLookup(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	s := New(adapter, time.Minute)

	require.NoError(t, s.RevokeDID(ctx, "did:mesh:bad-actor", "compromised", 0))
	require.NoError(t, adapter.Delete(ctx, keyDIDPrefix+"did:mesh:bad-actor"))

	revoked, err := s.IsRevokedDID(ctx, "did:mesh:bad-actor")
	require.NoError(t, err)
	assert.True(t, revoked, "cache should still answer revoked even though storage entry was removed")
}
