package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/model"
)

type stubHandshaker struct {
	result model.HandshakeResult
	err    error
}

func (s stubHandshaker) Challenge(_ context.Context, protocol string) (model.HandshakeChallenge, error) {
	return model.HandshakeChallenge{ChallengeID: "c1", Protocol: protocol, ExpiresAt: time.Now().UTC().Add(time.Minute)}, nil
}

func (s stubHandshaker) Verify(_ context.Context, _ string, _ model.HandshakeChallenge, _ model.HandshakeResponse, _ []string) (model.HandshakeResult, error) {
	return s.result, s.err
}

type stubTrustLister struct {
	scores []model.TrustScore
}

func (s stubTrustLister) ListAboveScore(_ context.Context, minScore int) ([]model.TrustScore, error) {
	var out []model.TrustScore
	for _, ts := range s.scores {
		if ts.TotalScore >= minScore {
			out = append(out, ts)
		}
	}
	return out, nil
}

type stubRevocationPropagator struct {
	revoked []string
}

func (s *stubRevocationPropagator) RevokeDID(_ context.Context, did, _ string, _ time.Duration) error {
	s.revoked = append(s.revoked, did)
	return nil
}

type stubAdapter struct {
	protocol  string
	mu        sync.Mutex
	sent      []model.BridgeMessage
	sendDelay time.Duration
	verifyResp model.HandshakeResponse
	translateFn func(model.BridgeMessage) (model.BridgeMessage, error)
}

func (a *stubAdapter) Protocol() string { return a.protocol }

func (a *stubAdapter) VerifyPeerIdentity(_ context.Context, peer model.PeerInfo, _ model.HandshakeChallenge) (model.HandshakeResponse, error) {
	return a.verifyResp, nil
}

func (a *stubAdapter) Send(_ context.Context, _ model.PeerInfo, message model.BridgeMessage) (model.BridgeResponse, error) {
	if a.sendDelay > 0 {
		time.Sleep(a.sendDelay)
	}
	a.mu.Lock()
	a.sent = append(a.sent, message)
	a.mu.Unlock()
	return model.BridgeResponse{Payload: message.Payload, ReceivedAt: time.Now().UTC()}, nil
}

func (a *stubAdapter) Translate(_ context.Context, message model.BridgeMessage) (model.BridgeMessage, error) {
	if a.translateFn != nil {
		return a.translateFn(message)
	}
	return message, nil
}

func (a *stubAdapter) sentPayloads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, m := range a.sent {
		out[i] = string(m.Payload)
	}
	return out
}

func TestVerifyPeer_SucceedsAndCachesResult(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 800, CachedUntil: time.Now().UTC().Add(time.Hour)}}
	b := New("did:mesh:caller", hs, stubTrustLister{}, &stubRevocationPropagator{})
	adapter := &stubAdapter{protocol: "mesh/1"}
	b.RegisterAdapter(adapter)

	result, err := b.VerifyPeer(context.Background(), model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}, "", 700, nil)
	require.NoError(t, err)
	assert.True(t, result.Trusted)
}

func TestVerifyPeer_EnforcesCallSiteRequiredTrust(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 650, CachedUntil: time.Now().UTC().Add(time.Hour)}}
	b := New("did:mesh:caller", hs, stubTrustLister{}, &stubRevocationPropagator{})
	b.RegisterAdapter(&stubAdapter{protocol: "mesh/1"})

	result, err := b.VerifyPeer(context.Background(), model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}, "", 700, nil)
	require.NoError(t, err)
	assert.False(t, result.Trusted)
	assert.Equal(t, model.FailureTrustBelowThreshold, result.FailureReason)
}

func TestVerifyPeer_UnknownProtocolFails(t *testing.T) {
	b := New("did:mesh:caller", stubHandshaker{}, stubTrustLister{}, &stubRevocationPropagator{})
	_, err := b.VerifyPeer(context.Background(), model.PeerInfo{DID: "did:mesh:peer", Protocol: "unknown/1"}, "", 700, nil)
	assert.Error(t, err)
}

func TestSendMessage_RequiresPriorSuccessfulHandshake(t *testing.T) {
	b := New("did:mesh:caller", stubHandshaker{}, stubTrustLister{}, &stubRevocationPropagator{})
	b.RegisterAdapter(&stubAdapter{protocol: "mesh/1"})

	_, err := b.SendMessage(context.Background(), model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}, model.BridgeMessage{Payload: []byte("hi")})
	assert.Error(t, err)
}

func TestSendMessage_RejectsStaleHandshake(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 800, CachedUntil: time.Now().UTC().Add(-time.Minute)}}
	b := New("did:mesh:caller", hs, stubTrustLister{}, &stubRevocationPropagator{})
	adapter := &stubAdapter{protocol: "mesh/1"}
	b.RegisterAdapter(adapter)

	ctx := context.Background()
	_, err := b.VerifyPeer(ctx, model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}, "", 700, nil)
	require.NoError(t, err)

	_, err = b.SendMessage(ctx, model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}, model.BridgeMessage{Payload: []byte("hi")})
	assert.Error(t, err)
}

func TestSendMessage_DeliversAfterFreshHandshake(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 800, CachedUntil: time.Now().UTC().Add(time.Hour)}}
	b := New("did:mesh:caller", hs, stubTrustLister{}, &stubRevocationPropagator{})
	adapter := &stubAdapter{protocol: "mesh/1"}
	b.RegisterAdapter(adapter)

	ctx := context.Background()
	peer := model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}
	_, err := b.VerifyPeer(ctx, peer, "", 700, nil)
	require.NoError(t, err)

	resp, err := b.SendMessage(ctx, peer, model.BridgeMessage{Payload: []byte("hello"), SourceProtocol: "mesh/1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Payload)
}

func TestSendMessage_TranslatesWhenProtocolsDiffer(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 800, CachedUntil: time.Now().UTC().Add(time.Hour)}}
	b := New("did:mesh:caller", hs, stubTrustLister{}, &stubRevocationPropagator{})
	target := &stubAdapter{protocol: "a2a/1", translateFn: func(m model.BridgeMessage) (model.BridgeMessage, error) {
		m.Payload = append([]byte("translated:"), m.Payload...)
		return m, nil
	}}
	b.RegisterAdapter(target)

	ctx := context.Background()
	peer := model.PeerInfo{DID: "did:mesh:peer", Protocol: "a2a/1"}
	_, err := b.VerifyPeer(ctx, peer, "", 700, nil)
	require.NoError(t, err)

	resp, err := b.SendMessage(ctx, peer, model.BridgeMessage{Payload: []byte("hi"), SourceProtocol: "mesh/1", TargetProtocol: "a2a/1"})
	require.NoError(t, err)
	assert.Equal(t, "translated:hi", string(resp.Payload))
}

func TestSendMessage_PreservesPerPeerOrder(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 800, CachedUntil: time.Now().UTC().Add(time.Hour)}}
	b := New("did:mesh:caller", hs, stubTrustLister{}, &stubRevocationPropagator{})
	adapter := &stubAdapter{protocol: "mesh/1", sendDelay: 5 * time.Millisecond}
	b.RegisterAdapter(adapter)

	ctx := context.Background()
	peer := model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}
	_, err := b.VerifyPeer(ctx, peer, "", 700, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		payload := []byte{byte('0' + i)}
		go func() {
			defer wg.Done()
			_, err := b.SendMessage(ctx, peer, model.BridgeMessage{Payload: payload, SourceProtocol: "mesh/1"})
			assert.NoError(t, err)
		}()
		time.Sleep(time.Millisecond) // ensures deterministic submission order
	}
	wg.Wait()

	payloads := adapter.sentPayloads()
	require.Len(t, payloads, 5)
	for i, p := range payloads {
		assert.Equal(t, string(rune('0'+i)), p)
	}
}

func TestGetTrustedPeers_FiltersByMinScore(t *testing.T) {
	lister := stubTrustLister{scores: []model.TrustScore{
		{AgentDID: "did:mesh:a", TotalScore: 900},
		{AgentDID: "did:mesh:b", TotalScore: 400},
	}}
	b := New("did:mesh:caller", stubHandshaker{}, lister, &stubRevocationPropagator{})

	peers, err := b.GetTrustedPeers(context.Background(), 700)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "did:mesh:a", peers[0].AgentDID)
}

func TestRevokePeerTrust_DropsCacheAndPropagates(t *testing.T) {
	hs := stubHandshaker{result: model.HandshakeResult{PeerDID: "did:mesh:peer", Trusted: true, TrustScore: 800, CachedUntil: time.Now().UTC().Add(time.Hour)}}
	revocation := &stubRevocationPropagator{}
	b := New("did:mesh:caller", hs, stubTrustLister{}, revocation)
	adapter := &stubAdapter{protocol: "mesh/1"}
	b.RegisterAdapter(adapter)

	ctx := context.Background()
	peer := model.PeerInfo{DID: "did:mesh:peer", Protocol: "mesh/1"}
	_, err := b.VerifyPeer(ctx, peer, "", 700, nil)
	require.NoError(t, err)

	require.NoError(t, b.RevokePeerTrust(ctx, peer.DID, "compromised"))
	assert.Contains(t, revocation.revoked, peer.DID)

	_, err = b.SendMessage(ctx, peer, model.BridgeMessage{Payload: []byte("hi")})
	assert.Error(t, err, "cached handshake must be dropped by revocation")
}
