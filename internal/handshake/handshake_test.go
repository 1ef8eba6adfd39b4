package handshake

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/revocation"
)

type stubIdentity struct {
	agents map[string]model.AgentIdentity
}

func (s stubIdentity) Get(_ context.Context, did string) (model.AgentIdentity, error) {
	a, ok := s.agents[did]
	if !ok {
		return model.AgentIdentity{}, assert.AnError
	}
	return a, nil
}

type stubSigner struct{}

func (stubSigner) Verify(_ context.Context, publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

type stubScorer struct {
	scores map[string]int
}

func (s stubScorer) GetScore(_ context.Context, did string) (model.TrustScore, error) {
	score, ok := s.scores[did]
	if !ok {
		return model.TrustScore{}, assert.AnError
	}
	return model.TrustScore{AgentDID: did, TotalScore: score, Tier: model.TierForScore(score)}, nil
}

type stubRevocation struct {
	revoked map[string]bool
}

func (s stubRevocation) IsRevokedDID(_ context.Context, did string) (bool, error) {
	return s.revoked[did], nil
}

// testFixture wires a single peer keypair plus protocol instance, and
// returns a helper that produces a fresh, validly-signed response.
type testFixture struct {
	proto      *Protocol
	peerDID    string
	peerPriv   ed25519.PrivateKey
	identities stubIdentity
	scores     stubScorer
	revoked    stubRevocation
}

func newFixture(t *testing.T, peerCapabilities []string, peerScore int) *testFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	peerDID := "did:mesh:" + "peer"

	identities := stubIdentity{agents: map[string]model.AgentIdentity{
		peerDID: {
			DID:          peerDID,
			PublicKey:    pub,
			Capabilities: peerCapabilities,
			Status:       model.StatusActive,
		},
	}}
	scores := stubScorer{scores: map[string]int{peerDID: peerScore}}
	revoked := stubRevocation{revoked: map[string]bool{}}

	proto := New(identities, stubSigner{}, scores, revoked)
	return &testFixture{proto: proto, peerDID: peerDID, peerPriv: priv, identities: identities, scores: scores, revoked: revoked}
}

func (f *testFixture) sign(challenge model.HandshakeChallenge, capabilities []string) model.HandshakeResponse {
	now := time.Now().UTC()
	sig := ed25519.Sign(f.peerPriv, SigningPayload(challenge.Nonce, f.peerDID, now))
	return model.HandshakeResponse{
		ChallengeID:  challenge.ChallengeID,
		ResponderDID: f.peerDID,
		Signature:    sig,
		Timestamp:    now,
		Capabilities: capabilities,
	}
}

func TestChallenge_IssuesNonceOfAtLeast128Bits(t *testing.T) {
	f := newFixture(t, nil, 800)
	c, err := f.proto.Challenge(context.Background(), "mesh/1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(c.Nonce), 16)
	assert.False(t, c.Expired(c.IssuedAt))
	assert.True(t, c.Expired(c.ExpiresAt.Add(time.Millisecond)))
}

func TestVerify_TrustedPeerAboveThresholdSucceeds(t *testing.T) {
	f := newFixture(t, []string{"invoke:tool:*"}, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, []string{"invoke:tool:*"})
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, []string{"invoke:tool:search"})
	require.NoError(t, err)
	assert.True(t, result.Trusted)
	assert.Equal(t, model.FailureNone, result.FailureReason)
	assert.Equal(t, 800, result.TrustScore)
	assert.Equal(t, []string{"invoke:tool:search"}, result.Capabilities)
	assert.False(t, result.CachedUntil.IsZero())
}

func TestVerify_RejectsExpiredChallenge(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)
	c.ExpiresAt = time.Now().UTC().Add(-time.Second)

	resp := f.sign(c, nil)
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailureChallengeExpired, result.FailureReason)
}

func TestVerify_RejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	resp.Signature[0] ^= 0xFF
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailureBadSignature, result.FailureReason)
}

func TestVerify_RejectsUnknownPeer(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	resp.ResponderDID = "did:mesh:someone_else"
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailurePeerUnknown, result.FailureReason)
}

func TestVerify_RejectsRevokedPeer(t *testing.T) {
	f := newFixture(t, nil, 800)
	f.revoked.revoked[f.peerDID] = true
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailurePeerRevoked, result.FailureReason)
}

func TestVerify_RejectsSuspendedIdentityStatus(t *testing.T) {
	f := newFixture(t, nil, 800)
	peer := f.identities.agents[f.peerDID]
	peer.Status = model.StatusSuspended
	f.identities.agents[f.peerDID] = peer
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailurePeerRevoked, result.FailureReason)
}

func TestVerify_RejectsTrustBelowThreshold(t *testing.T) {
	f := newFixture(t, nil, 650)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailureTrustBelowThreshold, result.FailureReason)
	assert.Equal(t, 650, result.TrustScore)
}

func TestVerify_RejectsInsufficientCapabilityIntersection(t *testing.T) {
	f := newFixture(t, []string{"read:log:*"}, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, []string{"read:log:*"})
	result, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, []string{"invoke:tool:search"})
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailureCapabilityInsufficient, result.FailureReason)
}

func TestVerify_CustomThresholdAppliesInstead(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	peerDID := "did:mesh:peer"
	identities := stubIdentity{agents: map[string]model.AgentIdentity{
		peerDID: {DID: peerDID, PublicKey: pub, Status: model.StatusActive},
	}}
	scores := stubScorer{scores: map[string]int{peerDID: 550}}
	revoked := stubRevocation{revoked: map[string]bool{}}
	proto := New(identities, stubSigner{}, scores, revoked, WithRequiredTrustScore(500))

	ctx := context.Background()
	c, err := proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)
	now := time.Now().UTC()
	resp := model.HandshakeResponse{
		ChallengeID:  c.ChallengeID,
		ResponderDID: peerDID,
		Signature:    ed25519.Sign(priv, SigningPayload(c.Nonce, peerDID, now)),
		Timestamp:    now,
	}
	result, err := proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.True(t, result.Trusted)
}

func TestVerify_CachesResultAcrossCalls(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	first, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.True(t, first.Trusted)

	f.scores.scores[f.peerDID] = 0 // would now fail if re-verified
	second, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.True(t, second.Trusted, "cached result should be returned without re-checking trust score")
}

func TestVerify_DoesNotCacheChallengeSpecificFailures(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	resp.Signature[0] ^= 0xFF
	first, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, first.Trusted)

	resp2 := f.sign(c, nil)
	second, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp2, nil)
	require.NoError(t, err)
	assert.True(t, second.Trusted, "a bad-signature failure must not poison the cache for a subsequent valid response")
}

func TestOnRevoked_InvalidatesCachedTrustedResult(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	first, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	require.True(t, first.Trusted)

	f.proto.OnRevoked(ctx, revocation.KindDID, f.peerDID, "compromised")
	f.revoked.revoked[f.peerDID] = true

	second, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.False(t, second.Trusted)
	assert.Equal(t, model.FailurePeerRevoked, second.FailureReason)
}

func TestOnRevoked_IgnoresCredentialKind(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	resp := f.sign(c, nil)
	_, err = f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)

	f.proto.OnRevoked(ctx, revocation.KindCredential, f.peerDID, "rotated")
	// cached entry should survive since this was a credential-kind event
	second, err := f.proto.Verify(ctx, "did:mesh:caller", c, resp, nil)
	require.NoError(t, err)
	assert.True(t, second.Trusted)
}

func TestChallenge_RejectsUnsupportedProtocol(t *testing.T) {
	f := newFixture(t, nil, 800)
	f.proto.supportedProtocols["mesh/1"] = true
	_, err := f.proto.Challenge(context.Background(), "mesh/2")
	assert.Error(t, err)
}

func TestRespond_ProducesVerifiableSignature(t *testing.T) {
	f := newFixture(t, nil, 800)
	ctx := context.Background()
	c, err := f.proto.Challenge(ctx, "mesh/1")
	require.NoError(t, err)

	signer := inlineSigner{priv: f.peerPriv}
	resp, err := Respond(ctx, signer, f.peerDID, c, []string{"invoke:tool:*"}, 800)
	require.NoError(t, err)

	ok := stubSigner{}.Verify(ctx, f.identities.agents[f.peerDID].PublicKey, SigningPayload(c.Nonce, f.peerDID, resp.Timestamp), resp.Signature)
	assert.True(t, ok)
}

type inlineSigner struct {
	priv ed25519.PrivateKey
}

func (s inlineSigner) Sign(_ context.Context, _ string, data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}
