// Package revocation implements the Revocation Set (C5): an authoritative,
// low-latency lookup over revoked DIDs and credential IDs, fronted by an
// in-process cache so the Trust Handshake (C10) and Governance Proxy (C12)
// hot paths never pay a storage round trip to ask "is this still good".
//
// The Set is also the fan-out point for revocation propagation: it
// implements identity.RevocationNotifier so the Identity Registry (C2)
// can push cascaded revocations straight in, and it notifies its own
// registered Subscribers (the Trust Handshake, plus any host-side
// revocation observers) so they can drop any cached decision within
// REVOCATION_PROPAGATION_BUDGET.
package revocation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/storage"
)

const (
	keyDIDPrefix        = "revocation:did:"
	keyCredentialPrefix = "revocation:credential:"
)

// EntryKind distinguishes a revoked identity from a revoked credential,
// since the two are tracked under independent storage keyspaces but
// share the same propagation machinery.
type EntryKind string

const (
	KindDID        EntryKind = "did"
	KindCredential EntryKind = "credential"
)

// entry is the persisted record for one revocation. ExpiresAt nil means
// permanent.
type entry struct {
	Reason    string     `json:"reason"`
	RevokedAt time.Time  `json:"revoked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e entry) live(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// Subscriber is notified whenever an entry is added to the set, so
// components with their own cache (the Trust Handshake) can invalidate
// it immediately instead of waiting out their own TTL.
type Subscriber interface {
	OnRevoked(ctx context.Context, kind EntryKind, id, reason string)
}

// Publisher is the subset of the event bus the set broadcasts new
// revocations onto, for instances other than this one to pick up.
// Unlike Subscriber, a Publisher failure is logged, not propagated:
// cross-instance fan-out is best-effort by design (see internal/eventbus).
type Publisher interface {
	PublishRevocation(ctx context.Context, entryKind, id, reason string) error
}

// Set is the Revocation Set (C5).
type Set struct {
	store       storage.Adapter
	cache       *gocache.Cache
	subscribers []Subscriber
	events      Publisher
	logger      *slog.Logger
}

// Option configures a Set.
type Option func(*Set)

// WithSubscriber registers a Subscriber notified on every new revocation.
func WithSubscriber(s Subscriber) Option {
	return func(set *Set) { set.subscribers = append(set.subscribers, s) }
}

// WithEventPublisher wires the explicit event bus so every revocation
// also broadcasts to other mesh instances, not just this process's own
// in-memory Subscribers.
func WithEventPublisher(p Publisher) Option {
	return func(set *Set) { set.events = p }
}

// WithLogger overrides the logger used for best-effort event-bus
// publish failures. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(set *Set) { set.logger = l }
}

// New constructs a Revocation Set. cacheTTL is how long a revocation
// record read from storage, or a permanent one written here, stays in
// the in-process cache before storage is read again; a revocation with
// its own TTL is cached for that TTL. A lookup that finds no record is
// not cached, so a "not revoked" answer always comes from storage.
func New(store storage.Adapter, cacheTTL time.Duration, opts ...Option) *Set {
	s := &Set{
		store:  store,
		cache:  gocache.New(cacheTTL, cacheTTL*2),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RevokeDID marks did revoked, optionally with an expiry (zero duration
// means permanent).
func (s *Set) RevokeDID(ctx context.Context, did, reason string, ttl time.Duration) error {
	return s.revoke(ctx, KindDID, keyDIDPrefix+did, did, reason, ttl)
}

// RevokeCredential marks a credential ID revoked, independent of its
// owning agent's own DID-level revocation status.
func (s *Set) RevokeCredential(ctx context.Context, credentialID, reason string, ttl time.Duration) error {
	return s.revoke(ctx, KindCredential, keyCredentialPrefix+credentialID, credentialID, reason, ttl)
}

func (s *Set) revoke(ctx context.Context, kind EntryKind, storageKey, id, reason string, ttl time.Duration) error {
	now := time.Now().UTC()
	e := entry{Reason: reason, RevokedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "revocation.revoke", "marshal failed", err)
	}
	if err := s.store.Set(ctx, storageKey, string(raw), ttl); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "revocation.revoke", "store failed", err)
	}

	s.cache.Set(storageKey, e, ttl)
	for _, sub := range s.subscribers {
		sub.OnRevoked(ctx, kind, id, reason)
	}
	if s.events != nil {
		if err := s.events.PublishRevocation(ctx, string(kind), id, reason); err != nil && s.logger != nil {
			s.logger.Warn("revocation: event bus publish failed", "kind", kind, "id", id, "error", err)
		}
	}
	return nil
}

// IsRevokedDID reports whether did is currently revoked.
func (s *Set) IsRevokedDID(ctx context.Context, did string) (bool, error) {
	return s.isRevoked(ctx, keyDIDPrefix+did)
}

// IsRevokedCredential reports whether credentialID is currently revoked.
func (s *Set) IsRevokedCredential(ctx context.Context, credentialID string) (bool, error) {
	return s.isRevoked(ctx, keyCredentialPrefix+credentialID)
}

func (s *Set) isRevoked(ctx context.Context, storageKey string) (bool, error) {
	now := time.Now().UTC()

	if cached, ok := s.cache.Get(storageKey); ok {
		e := cached.(entry)
		return e.live(now), nil
	}

	raw, ok, err := s.store.Get(ctx, storageKey)
	if err != nil {
		return false, agentmesherr.Wrap(agentmesherr.KindStorageError, "revocation.is_revoked", "lookup failed", err)
	}
	if !ok {
		return false, nil
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return false, agentmesherr.Wrap(agentmesherr.KindStorageError, "revocation.is_revoked", "corrupt record", err)
	}
	s.cache.Set(storageKey, e, gocache.DefaultExpiration)
	return e.live(now), nil
}

// NotifyRevoked implements identity.RevocationNotifier so the Identity
// Registry can push a cascaded revocation straight into the set without
// an import cycle (identity depends on nothing here; this package just
// happens to satisfy its interface).
func (s *Set) NotifyRevoked(ctx context.Context, dids []string, reason string) error {
	for _, did := range dids {
		if err := s.RevokeDID(ctx, did, reason, 0); err != nil {
			return err
		}
	}
	return nil
}
