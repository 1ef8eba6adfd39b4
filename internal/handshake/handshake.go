// Package handshake implements the Trust Handshake (C10): a three-phase
// challenge/response protocol two agents run before trusting each other
// enough to exchange anything. A caller issues a Challenge, the peer
// signs it and replies with a HandshakeResponse, and the caller's
// Verify checks the signature, the peer's current trust score and
// revocation status, and intersects requested capabilities against the
// peer's grant.
//
// Verify results are cached per (caller_did, peer_did) pair so a
// long-running exchange does not re-run the full check on every
// message; the cache is invalidated early on revocation via
// revocation.Subscriber.
package handshake

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/capability"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/revocation"
)

// nonceSize is the minimum nonce length in bytes (128 bits).
const nonceSize = 16

// IdentityLookup is the subset of the Identity Registry the handshake
// needs to resolve a peer's public key and granted capabilities.
type IdentityLookup interface {
	Get(ctx context.Context, did string) (model.AgentIdentity, error)
}

// Signer verifies a signature against a raw public key. Satisfied by
// keystore.Store, named narrowly here so handshake never needs to know
// about key custody.
type Signer interface {
	Verify(ctx context.Context, publicKey, data, signature []byte) bool
}

// TrustScorer is the subset of the Reward Engine the handshake needs to
// re-fetch a peer's authoritative trust score. The response's own
// TrustScore field is a client-declared hint and is never trusted
// directly.
type TrustScorer interface {
	GetScore(ctx context.Context, did string) (model.TrustScore, error)
}

// RevocationChecker is the subset of the Revocation Set the handshake
// needs to reject a revoked peer outright, independent of trust score.
type RevocationChecker interface {
	IsRevokedDID(ctx context.Context, did string) (bool, error)
}

// cacheEntry is what Protocol keeps per (caller_did, peer_did) pair.
type cacheEntry struct {
	result model.HandshakeResult
}

// Protocol is the Trust Handshake (C10).
type Protocol struct {
	identity    IdentityLookup
	signer      Signer
	scores      TrustScorer
	revoked     RevocationChecker
	cache       *gocache.Cache
	cacheTTL    time.Duration
	nonceTTL    time.Duration
	requiredTrustScore int
	supportedProtocols map[string]bool
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithNonceTTL overrides how long an issued challenge remains valid.
// Defaults to 30s.
func WithNonceTTL(d time.Duration) Option {
	return func(p *Protocol) { p.nonceTTL = d }
}

// WithCacheTTL overrides how long a verified result is cached per
// (caller_did, peer_did) pair. Defaults to 15m.
func WithCacheTTL(d time.Duration) Option {
	return func(p *Protocol) {
		p.cacheTTL = d
		p.cache = gocache.New(d, d*2)
	}
}

// WithRequiredTrustScore overrides the minimum authoritative trust score
// a peer must hold for Verify to report Trusted. Defaults to 700.
func WithRequiredTrustScore(score int) Option {
	return func(p *Protocol) { p.requiredTrustScore = score }
}

// WithSupportedProtocols restricts which challenge.Protocol values
// Verify will accept; an empty set (the default) accepts any protocol
// name.
func WithSupportedProtocols(protocols ...string) Option {
	return func(p *Protocol) {
		for _, proto := range protocols {
			p.supportedProtocols[proto] = true
		}
	}
}

// New constructs a Trust Handshake Protocol.
func New(identity IdentityLookup, signer Signer, scores TrustScorer, revoked RevocationChecker, opts ...Option) *Protocol {
	p := &Protocol{
		identity:           identity,
		signer:             signer,
		scores:             scores,
		revoked:            revoked,
		cache:              gocache.New(15*time.Minute, 30*time.Minute),
		cacheTTL:           15 * time.Minute,
		nonceTTL:           30 * time.Second,
		requiredTrustScore: 700,
		supportedProtocols: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Challenge issues a fresh challenge for the named protocol. The caller
// sends this to the peer, who must sign Nonce || ResponderDID ||
// Timestamp and reply with a HandshakeResponse.
func (p *Protocol) Challenge(_ context.Context, protocol string) (model.HandshakeChallenge, error) {
	if len(p.supportedProtocols) > 0 && !p.supportedProtocols[protocol] {
		return model.HandshakeChallenge{}, agentmesherr.New(agentmesherr.KindInvalidInput, "handshake.challenge", "unsupported protocol: "+protocol)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return model.HandshakeChallenge{}, agentmesherr.Wrap(agentmesherr.KindCryptoError, "handshake.challenge", "nonce generation failed", err)
	}
	now := time.Now().UTC()
	return model.HandshakeChallenge{
		ChallengeID: uuid.NewString(),
		Nonce:       nonce,
		IssuedAt:    now,
		ExpiresAt:   now.Add(p.nonceTTL),
		Protocol:    protocol,
	}, nil
}

// SigningPayload returns the exact byte sequence a responder must sign:
// nonce || responder_did || RFC3339Nano(timestamp).
func SigningPayload(nonce []byte, responderDID string, timestamp time.Time) []byte {
	payload := make([]byte, 0, len(nonce)+len(responderDID)+32)
	payload = append(payload, nonce...)
	payload = append(payload, []byte(responderDID)...)
	payload = append(payload, []byte(timestamp.UTC().Format(time.RFC3339Nano))...)
	return payload
}

// Respond signs challenge on behalf of responderDID using signer and
// builds the HandshakeResponse a peer would send back to the caller.
// signer here is a full keystore.Store (it must hold responderDID's
// private key), distinct from the Signer interface Verify uses.
func Respond(ctx context.Context, signer interface {
	Sign(ctx context.Context, agentID string, data []byte) ([]byte, error)
}, responderDID string, challenge model.HandshakeChallenge, capabilities []string, declaredTrustScore int) (model.HandshakeResponse, error) {
	now := time.Now().UTC()
	sig, err := signer.Sign(ctx, responderDID, SigningPayload(challenge.Nonce, responderDID, now))
	if err != nil {
		return model.HandshakeResponse{}, agentmesherr.Wrap(agentmesherr.KindCryptoError, "handshake.respond", "signing failed", err)
	}
	return model.HandshakeResponse{
		ChallengeID:  challenge.ChallengeID,
		ResponderDID: responderDID,
		Signature:    sig,
		Timestamp:    now,
		Capabilities: capabilities,
		TrustScore:   declaredTrustScore,
	}, nil
}

// Verify checks a peer's response against the challenge it was issued
// for and returns the authoritative result. requiredCapabilities is the
// caller's own capability requirement; the result's Capabilities field
// is the intersection of that requirement with the peer's grant.
//
// A cached result for (callerDID, response.ResponderDID) is returned
// without touching the trust store, identity registry, or revocation
// set, unless the cache has been invalidated by OnRevoked.
func (p *Protocol) Verify(ctx context.Context, callerDID string, challenge model.HandshakeChallenge, response model.HandshakeResponse, requiredCapabilities []string) (model.HandshakeResult, error) {
	cacheKey := callerDID + "|" + response.ResponderDID
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(cacheEntry).result, nil
	}

	result, cacheable := p.verify(ctx, challenge, response, requiredCapabilities)
	if cacheable {
		p.cache.Set(cacheKey, cacheEntry{result: result}, gocache.DefaultExpiration)
	}
	return result, nil
}

// verify performs the uncached check. cacheable is false for failures
// that are specific to this one challenge (expiry, bad signature) and
// would give a wrong answer if applied to the peer's next handshake, and
// likewise for unsupported protocol, unknown peer, and lookup errors.
func (p *Protocol) verify(ctx context.Context, challenge model.HandshakeChallenge, response model.HandshakeResponse, requiredCapabilities []string) (model.HandshakeResult, bool) {
	fail := func(reason model.HandshakeFailureReason) model.HandshakeResult {
		return model.HandshakeResult{PeerDID: response.ResponderDID, Trusted: false, FailureReason: reason}
	}

	if response.ChallengeID != challenge.ChallengeID {
		return fail(model.FailureChallengeExpired), false
	}
	if challenge.Expired(time.Now().UTC()) {
		return fail(model.FailureChallengeExpired), false
	}
	if len(p.supportedProtocols) > 0 && !p.supportedProtocols[challenge.Protocol] {
		return fail(model.FailurePeerProtocolUnsupported), false
	}

	peer, err := p.identity.Get(ctx, response.ResponderDID)
	if err != nil {
		return fail(model.FailurePeerUnknown), false
	}
	if !peer.Status.Usable() {
		return fail(model.FailurePeerRevoked), true
	}

	payload := SigningPayload(challenge.Nonce, response.ResponderDID, response.Timestamp)
	if !p.signer.Verify(ctx, peer.PublicKey, payload, response.Signature) {
		return fail(model.FailureBadSignature), false
	}

	revoked, err := p.revoked.IsRevokedDID(ctx, response.ResponderDID)
	if err != nil {
		return fail(model.FailurePeerUnknown), false
	}
	if revoked {
		return fail(model.FailurePeerRevoked), true
	}

	score, err := p.scores.GetScore(ctx, response.ResponderDID)
	if err != nil {
		return fail(model.FailurePeerUnknown), false
	}
	if score.TotalScore < p.requiredTrustScore {
		r := fail(model.FailureTrustBelowThreshold)
		r.TrustScore = score.TotalScore
		return r, true
	}

	granted := capability.Intersect(requiredCapabilities, peer.Capabilities)
	if len(requiredCapabilities) > 0 && len(granted) == 0 {
		r := fail(model.FailureCapabilityInsufficient)
		r.TrustScore = score.TotalScore
		return r, true
	}

	cachedUntil := time.Now().UTC().Add(p.cacheTTL)
	return model.HandshakeResult{
		PeerDID:      response.ResponderDID,
		Trusted:      true,
		TrustScore:   score.TotalScore,
		Capabilities: granted,
		FailureReason: model.FailureNone,
		CachedUntil:  cachedUntil,
	}, true
}

// OnRevoked implements revocation.Subscriber so any cached "trusted"
// result for a revoked DID is dropped immediately instead of living out
// its cache TTL. agentmesh.New registers it with the Revocation Set.
func (p *Protocol) OnRevoked(_ context.Context, kind revocation.EntryKind, id, _ string) {
	if kind != revocation.KindDID {
		return
	}
	for key := range p.cache.Items() {
		if strings.HasSuffix(key, "|"+id) || strings.HasPrefix(key, id+"|") {
			p.cache.Delete(key)
		}
	}
}
