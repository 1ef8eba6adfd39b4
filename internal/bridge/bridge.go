// Package bridge implements the Protocol Bridge (C11): routing of
// outbound messages to peer agents across pluggable protocol adapters,
// gated on a successful Trust Handshake. Per-peer delivery order is
// preserved (messages accepted for the same peer are sent in
// acceptance order); delivery across different peers is unordered with
// respect to each other, via one dedicated worker goroutine per peer.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/model"
)

// Adapter speaks one wire protocol on the bridge's behalf. Registered
// adapters are looked up by the protocol name Protocol() reports.
type Adapter interface {
	// Protocol names the transport this adapter speaks (e.g. "mesh/1",
	// "a2a/1", "mcp/1").
	Protocol() string

	// VerifyPeerIdentity asks the peer to answer a handshake challenge
	// over this adapter's transport and returns its signed response.
	VerifyPeerIdentity(ctx context.Context, peer model.PeerInfo, challenge model.HandshakeChallenge) (model.HandshakeResponse, error)

	// Send delivers message to peer and returns the peer's response.
	// message.Payload is already in this adapter's own wire format; the
	// bridge calls Translate first when source and target protocols
	// differ.
	Send(ctx context.Context, peer model.PeerInfo, message model.BridgeMessage) (model.BridgeResponse, error)

	// Translate converts message (carrying some other adapter's wire
	// format in message.SourceProtocol) into this adapter's own format.
	// Adapters that cannot translate from a given source protocol
	// return an error.
	Translate(ctx context.Context, message model.BridgeMessage) (model.BridgeMessage, error)
}

// Handshaker is the subset of handshake.Protocol the bridge orchestrates
// verify_peer through.
type Handshaker interface {
	Challenge(ctx context.Context, protocol string) (model.HandshakeChallenge, error)
	Verify(ctx context.Context, callerDID string, challenge model.HandshakeChallenge, response model.HandshakeResponse, requiredCapabilities []string) (model.HandshakeResult, error)
}

// TrustLister is the subset of the Reward Engine get_trusted_peers reads.
type TrustLister interface {
	ListAboveScore(ctx context.Context, minScore int) ([]model.TrustScore, error)
}

// RevocationPropagator is the subset of the Revocation Set
// revoke_peer_trust propagates into.
type RevocationPropagator interface {
	RevokeDID(ctx context.Context, did, reason string, ttl time.Duration) error
}

// staleness bounds how long a cached HandshakeResult may back a
// send_message call before a fresh verify_peer is required.
const defaultStaleness = 15 * time.Minute

// peerQueue serializes sends to one peer so delivery order matches
// acceptance order, without blocking sends to any other peer.
type peerQueue struct {
	tasks chan func()
}

// Bridge is the Protocol Bridge (C11).
type Bridge struct {
	selfDID    string
	handshake  Handshaker
	trust      TrustLister
	revocation RevocationPropagator

	mu       sync.RWMutex
	adapters map[string]Adapter

	qmu    sync.Mutex
	queues map[string]*peerQueue

	vmu        sync.RWMutex
	verified   map[string]model.HandshakeResult // peer DID -> last successful verify_peer
	verifiedAt map[string]time.Time             // peer DID -> when that result was recorded

	staleness time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithStaleness overrides how long a cached handshake backs
// send_message before it is considered stale. Defaults to 15m.
func WithStaleness(d time.Duration) Option {
	return func(b *Bridge) { b.staleness = d }
}

// New constructs a Protocol Bridge. selfDID identifies the caller this
// bridge sends on behalf of.
func New(selfDID string, handshake Handshaker, trust TrustLister, revocation RevocationPropagator, opts ...Option) *Bridge {
	b := &Bridge{
		selfDID:    selfDID,
		handshake:  handshake,
		trust:      trust,
		revocation: revocation,
		adapters:   make(map[string]Adapter),
		queues:     make(map[string]*peerQueue),
		verified:   make(map[string]model.HandshakeResult),
		verifiedAt: make(map[string]time.Time),
		staleness:  defaultStaleness,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAdapter makes a protocol adapter available for routing.
// Re-registering a protocol name replaces the previous adapter.
func (b *Bridge) RegisterAdapter(a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[a.Protocol()] = a
}

func (b *Bridge) adapterFor(protocol string) (Adapter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.adapters[protocol]
	if !ok {
		return nil, agentmesherr.New(agentmesherr.KindInvalidInput, "bridge.adapter_for", "no adapter registered for protocol "+protocol)
	}
	return a, nil
}

// VerifyPeer orchestrates the Trust Handshake against peer over the
// named protocol (or peer.Protocol if protocol is empty), requiring
// trust_score >= requiredTrust and, if requiredCapabilities is
// non-empty, a non-empty capability intersection. The result is cached
// for send_message's staleness check regardless of outcome.
func (b *Bridge) VerifyPeer(ctx context.Context, peer model.PeerInfo, protocol string, requiredTrust int, requiredCapabilities []string) (model.HandshakeResult, error) {
	if protocol == "" {
		protocol = peer.Protocol
	}
	adapter, err := b.adapterFor(protocol)
	if err != nil {
		return model.HandshakeResult{}, err
	}

	challenge, err := b.handshake.Challenge(ctx, protocol)
	if err != nil {
		return model.HandshakeResult{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "bridge.verify_peer", "challenge issuance failed", err)
	}

	response, err := adapter.VerifyPeerIdentity(ctx, peer, challenge)
	if err != nil {
		return model.HandshakeResult{}, agentmesherr.Wrap(agentmesherr.KindTimeout, "bridge.verify_peer", "peer did not answer challenge", err)
	}

	result, err := b.handshake.Verify(ctx, b.selfDID, challenge, response, requiredCapabilities)
	if err != nil {
		return model.HandshakeResult{}, err
	}
	// The handshake protocol enforces its own configured minimum; a
	// caller asking for a stricter per-call floor is enforced here too,
	// since requiredTrust is a call-site parameter, not a static config.
	if result.Trusted && requiredTrust > 0 && result.TrustScore < requiredTrust {
		result.Trusted = false
		result.FailureReason = model.FailureTrustBelowThreshold
	}

	b.vmu.Lock()
	b.verified[peer.DID] = result
	b.verifiedAt[peer.DID] = time.Now().UTC()
	b.vmu.Unlock()

	return result, nil
}

// SendMessage requires a non-stale successful handshake for peer (use
// VerifyPeer first, or rely on a cached result younger than the
// configured staleness), translates the message when sourceProtocol
// differs from the target adapter's own protocol, and enqueues it on
// that peer's FIFO queue.
func (b *Bridge) SendMessage(ctx context.Context, peer model.PeerInfo, message model.BridgeMessage) (model.BridgeResponse, error) {
	if err := b.requireFreshHandshake(peer.DID); err != nil {
		return model.BridgeResponse{}, err
	}

	targetProtocol := message.TargetProtocol
	if targetProtocol == "" {
		targetProtocol = peer.Protocol
	}
	adapter, err := b.adapterFor(targetProtocol)
	if err != nil {
		return model.BridgeResponse{}, err
	}

	out := message
	if message.SourceProtocol != "" && message.SourceProtocol != targetProtocol {
		out, err = adapter.Translate(ctx, message)
		if err != nil {
			return model.BridgeResponse{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "bridge.send_message", "protocol translation failed", err)
		}
	}
	out.TargetProtocol = targetProtocol
	out.SentAt = time.Now().UTC()

	type result struct {
		resp model.BridgeResponse
		err  error
	}
	done := make(chan result, 1)
	b.enqueue(peer.DID, func() {
		resp, err := adapter.Send(ctx, peer, out)
		done <- result{resp: resp, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return model.BridgeResponse{}, agentmesherr.Wrap(agentmesherr.KindTimeout, "bridge.send_message", "adapter send failed", r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		return model.BridgeResponse{}, ctx.Err()
	}
}

// requireFreshHandshake enforces two independent freshness bounds: the
// handshake's own CachedUntil (set by handshake.Protocol's configured
// cache TTL) and the bridge's own staleness window measured from when
// VerifyPeer last ran — whichever is tighter wins.
func (b *Bridge) requireFreshHandshake(peerDID string) error {
	b.vmu.RLock()
	result, ok := b.verified[peerDID]
	verifiedAt := b.verifiedAt[peerDID]
	b.vmu.RUnlock()
	if !ok || !result.Trusted {
		return agentmesherr.New(agentmesherr.KindHandshakeError, "bridge.send_message", "no successful handshake on file for peer "+peerDID)
	}
	now := time.Now().UTC()
	if now.After(result.CachedUntil) || now.After(verifiedAt.Add(b.staleness)) {
		return agentmesherr.New(agentmesherr.KindHandshakeError, "bridge.send_message", "handshake for peer "+peerDID+" is stale, re-run verify_peer")
	}
	return nil
}

// enqueue runs task on peerDID's dedicated worker goroutine, starting
// one lazily on first use. Tasks for the same peer always run in
// submission order; tasks for different peers run independently.
func (b *Bridge) enqueue(peerDID string, task func()) {
	b.qmu.Lock()
	q, ok := b.queues[peerDID]
	if !ok {
		q = &peerQueue{tasks: make(chan func(), 256)}
		b.queues[peerDID] = q
		go q.run()
	}
	b.qmu.Unlock()
	q.tasks <- task
}

func (q *peerQueue) run() {
	for task := range q.tasks {
		task()
	}
}

// GetTrustedPeers returns peers whose authoritative trust score is at
// or above minScore (default 0, meaning every scored agent), ordered by
// descending score.
func (b *Bridge) GetTrustedPeers(ctx context.Context, minScore int) ([]model.TrustScore, error) {
	return b.trust.ListAboveScore(ctx, minScore)
}

// RevokePeerTrust drops any cached verify_peer result for peerDID and
// propagates the revocation to the mesh-wide Revocation Set so other
// components drop their own cached state for the same DID.
func (b *Bridge) RevokePeerTrust(ctx context.Context, peerDID, reason string) error {
	b.vmu.Lock()
	delete(b.verified, peerDID)
	delete(b.verifiedAt, peerDID)
	b.vmu.Unlock()

	if err := b.revocation.RevokeDID(ctx, peerDID, reason, 0); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "bridge.revoke_peer_trust", "propagation failed", err)
	}
	return nil
}
