package credential

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/keystore"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

type stubIdentities struct {
	agents map[string]model.AgentIdentity
}

func (s *stubIdentities) Get(_ context.Context, did string) (model.AgentIdentity, error) {
	id, ok := s.agents[did]
	if !ok {
		return model.AgentIdentity{}, agentmesherr.New(agentmesherr.KindInvalidInput, "test", "unknown")
	}
	return id, nil
}

func newTestManager(t *testing.T, agents map[string]model.AgentIdentity) *Manager {
	t.Helper()
	m, err := New(context.Background(), storage.NewMemoryAdapter(), keystore.NewMemoryStore(), &stubIdentities{agents: agents})
	require.NoError(t, err)
	return m
}

func activeAgent(did string, caps []string) model.AgentIdentity {
	return model.AgentIdentity{DID: did, Status: model.StatusActive, Capabilities: caps}
}

func TestIssue_DefaultsToAgentCapabilities(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:" + string(make([]byte, 64))
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents", "write:documents"}),
	})

	cred, token, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.ElementsMatch(t, []string{"read:documents", "write:documents"}, cred.Capabilities)
	assert.Equal(t, model.CredentialActive, cred.Status)
}

func TestIssue_RejectsCapabilityEscalation(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})

	_, _, err := m.Issue(ctx, IssueParams{AgentDID: did, Capabilities: []string{"write:documents"}})
	require.Error(t, err)
	kind, ok := agentmesherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agentmesherr.KindCapabilityEscalation, kind)
}

func TestIssue_RejectsTTLBeyondMax(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})

	_, _, err := m.Issue(ctx, IssueParams{AgentDID: did, TTL: 24 * time.Hour})
	require.Error(t, err)
	kind, ok := agentmesherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agentmesherr.KindInvalidTTL, kind)
}

func TestIssue_RejectsInactiveAgent(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	agent := activeAgent(did, []string{"read:documents"})
	agent.Status = model.StatusSuspended
	m := newTestManager(t, map[string]model.AgentIdentity{did: agent})

	_, _, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.Error(t, err)
}

func TestValidate_AcceptsFreshlyIssuedToken(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})

	_, token, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)

	cred, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, did, cred.AgentDID)
}

func TestValidate_RejectsGarbageToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.Validate(ctx, "not-a-jwt-at-all")
	require.Error(t, err)
	kind, ok := agentmesherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agentmesherr.KindInvalidCredential, kind)
}

func TestValidate_RejectsTokenSignedByDifferentKey(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	agents := map[string]model.AgentIdentity{did: activeAgent(did, []string{"read:documents"})}
	m1 := newTestManager(t, agents)
	m2 := newTestManager(t, agents)

	_, token, err := m1.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)

	_, err = m2.Validate(ctx, token)
	require.Error(t, err)
}

func TestValidate_RejectsRevokedCredential(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})

	cred, token, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, cred.CredentialID, "compromised"))

	_, err = m.Validate(ctx, token)
	require.Error(t, err)
}

func TestValidate_RejectsWhenOwningAgentNoLongerActive(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	agents := map[string]model.AgentIdentity{did: activeAgent(did, []string{"read:documents"})}
	m := newTestManager(t, agents)

	_, token, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)

	agent := agents[did]
	agent.Status = model.StatusRevoked
	agents[did] = agent

	_, err = m.Validate(ctx, token)
	require.Error(t, err)
}

func TestRotateIfNeeded_NoOpBeforeThreshold(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})

	cred, _, err := m.Issue(ctx, IssueParams{AgentDID: did, TTL: 10 * time.Minute})
	require.NoError(t, err)

	_, rotated, err := m.RotateIfNeeded(ctx, cred.CredentialID)
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestRotateIfNeeded_RotatesPastThreshold(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})
	m.rotateThreshold = 1.0 // always due, to avoid depending on wall-clock sleeps

	cred, _, err := m.Issue(ctx, IssueParams{AgentDID: did, TTL: 10 * time.Minute})
	require.NoError(t, err)

	successor, rotated, err := m.RotateIfNeeded(ctx, cred.CredentialID)
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotNil(t, successor.RotatedFrom)
	assert.Equal(t, cred.CredentialID, *successor.RotatedFrom)

	reloaded, ok, err := m.lookup(ctx, cred.CredentialID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CredentialRotated, reloaded.Status)
}

func TestRevokeAllForAgent_EnumeratesAgentIndexWithoutExplicitIDs(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	otherDID := "did:mesh:other"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did:      activeAgent(did, []string{"read:documents"}),
		otherDID: activeAgent(otherDID, []string{"read:documents"}),
	})

	credA, _, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)
	credB, _, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)
	credOther, _, err := m.Issue(ctx, IssueParams{AgentDID: otherDID})
	require.NoError(t, err)

	// No explicit IDs: RevokeAllForAgent must fall back to its own
	// per-agent index, populated by Issue.
	require.NoError(t, m.RevokeAllForAgent(ctx, did, nil, "trust score below revocation threshold"))

	reloadedA, ok, err := m.lookup(ctx, credA.CredentialID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CredentialRevoked, reloadedA.Status)

	reloadedB, ok, err := m.lookup(ctx, credB.CredentialID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CredentialRevoked, reloadedB.Status)

	reloadedOther, ok, err := m.lookup(ctx, credOther.CredentialID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CredentialActive, reloadedOther.Status)
}

func TestRevokeAllForAgent_SkipsAlreadyGone(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	m := newTestManager(t, map[string]model.AgentIdentity{
		did: activeAgent(did, []string{"read:documents"}),
	})

	cred, _, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)

	err = m.RevokeAllForAgent(ctx, did, []uuid.UUID{cred.CredentialID, uuid.New()}, "sweep")
	require.NoError(t, err)
}

func TestRevoke_InvokesCallbacks(t *testing.T) {
	ctx := context.Background()
	did := "did:mesh:issuer"
	var captured uuid.UUID
	var capturedDID string
	m, err := New(ctx, storage.NewMemoryAdapter(), keystore.NewMemoryStore(),
		&stubIdentities{agents: map[string]model.AgentIdentity{did: activeAgent(did, []string{"read:documents"})}},
		WithRevocationCallback(func(_ context.Context, credentialID uuid.UUID, agentDID string) {
			captured = credentialID
			capturedDID = agentDID
		}),
	)
	require.NoError(t, err)

	cred, _, err := m.Issue(ctx, IssueParams{AgentDID: did})
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, cred.CredentialID, "compromised"))
	assert.Equal(t, cred.CredentialID, captured)
	assert.Equal(t, did, capturedDID)
}

func TestRandomNonce(t *testing.T) {
	n, err := randomNonce(16)
	require.NoError(t, err)
	assert.Len(t, n, 16)
}
