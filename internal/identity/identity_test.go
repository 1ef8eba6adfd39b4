package identity

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

func newIdentity(t *testing.T, sponsor, parentDID string) model.AgentIdentity {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return model.AgentIdentity{
		PublicKey:    pub,
		SponsorEmail: sponsor,
		Capabilities: []string{"read:documents"},
		ParentDID:    parentDID,
	}
}

func TestRegister_DerivesDIDAndPersists(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id := newIdentity(t, "sponsor@example.com", "")
	registered, err := reg.Register(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, registered.DID)
	assert.Equal(t, model.StatusActive, registered.Status)

	got, err := reg.Get(ctx, registered.DID)
	require.NoError(t, err)
	assert.Equal(t, registered.DID, got.DID)
}

func TestRegister_DuplicatePublicKeyFails(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id := newIdentity(t, "sponsor@example.com", "")
	_, err := reg.Register(ctx, id)
	require.NoError(t, err)

	_, err = reg.Register(ctx, id)
	require.Error(t, err)
	kind, ok := agentmesherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agentmesherr.KindDuplicateIdentity, kind)
}

func TestListBySponsor(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id1, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)
	id2, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)
	_, err = reg.Register(ctx, newIdentity(t, "other@example.com", ""))
	require.NoError(t, err)

	list, err := reg.ListBySponsor(ctx, "sponsor@example.com")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	dids := []string{list[0].DID, list[1].DID}
	assert.Contains(t, dids, id1.DID)
	assert.Contains(t, dids, id2.DID)
}

func TestListActive_ExcludesRevoked(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, reg.Revoke(ctx, id.DID, "testing"))

	active, err = reg.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRevoke_CascadesToDescendants(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	root, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)
	child, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", root.DID))
	require.NoError(t, err)
	grandchild, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", child.DID))
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, root.DID, "compromised"))

	for _, did := range []string{root.DID, child.DID, grandchild.DID} {
		got, err := reg.Get(ctx, did)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRevoked, got.Status, "did %s should be revoked", did)
	}
}

type captureNotifier struct {
	dids   []string
	reason string
}

func (c *captureNotifier) NotifyRevoked(_ context.Context, dids []string, reason string) error {
	c.dids = dids
	c.reason = reason
	return nil
}

func TestRevoke_NotifiesRegisteredCallbacks(t *testing.T) {
	ctx := context.Background()
	notifier := &captureNotifier{}
	reg := New(storage.NewMemoryAdapter(), WithRevocationNotifier(notifier))

	id, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, id.DID, "compromised"))
	assert.Equal(t, []string{id.DID}, notifier.dids)
	assert.Equal(t, "compromised", notifier.reason)
}

func TestRevoke_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, id.DID, "reason1"))
	require.NoError(t, reg.Revoke(ctx, id.DID, "reason2"))
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)

	require.NoError(t, reg.Suspend(ctx, id.DID, "investigating"))
	got, err := reg.Get(ctx, id.DID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, got.Status)

	require.NoError(t, reg.Reactivate(ctx, id.DID))
	got, err = reg.Get(ctx, id.DID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestReactivate_RevokedNeverReactivates(t *testing.T) {
	ctx := context.Background()
	reg := New(storage.NewMemoryAdapter())

	id, err := reg.Register(ctx, newIdentity(t, "sponsor@example.com", ""))
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, id.DID, "compromised"))

	err = reg.Reactivate(ctx, id.DID)
	require.Error(t, err)
}
