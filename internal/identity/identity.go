// Package identity implements the Identity Registry (C2): registration,
// lookup, cascading revocation, and sponsor/activity indexes over agent
// identities.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/capability"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

const (
	keyIdentityPrefix = "identity:"
	keySponsorIndex   = "identity:by_sponsor:"
	keyChildrenIndex  = "identity:children:"
	keyActiveSet      = "identity:active"
)

// RevocationNotifier is consulted after a successful cascading revoke so
// the Revocation Set (C5) and any subscribed components can drop cached
// state within the propagation window. Registered as an option rather
// than a hard dependency so the registry has no import-time knowledge of
// the event bus.
type RevocationNotifier interface {
	NotifyRevoked(ctx context.Context, dids []string, reason string) error
}

// Registry is the Identity Registry (C2).
type Registry struct {
	store     storage.Adapter
	notifiers []RevocationNotifier
}

// Option configures a Registry.
type Option func(*Registry)

// WithRevocationNotifier registers a callback invoked with the full set
// of cascaded DIDs whenever Revoke succeeds.
func WithRevocationNotifier(n RevocationNotifier) Option {
	return func(r *Registry) { r.notifiers = append(r.notifiers, n) }
}

// New constructs an Identity Registry backed by store.
func New(store storage.Adapter, opts ...Option) *Registry {
	r := &Registry{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register derives identity.DID from identity.PublicKey and persists the
// record. Two distinct registrations with the same public key collide
// and the second fails with DuplicateIdentity.
func (r *Registry) Register(ctx context.Context, identity model.AgentIdentity) (model.AgentIdentity, error) {
	if len(identity.PublicKey) == 0 {
		return model.AgentIdentity{}, agentmesherr.New(agentmesherr.KindInvalidInput, "identity.register", "public key required")
	}
	identity.DID = capability.DeriveDID(identity.PublicKey)
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	if identity.Status == "" {
		identity.Status = model.StatusActive
	}

	if _, exists, err := r.store.Get(ctx, keyIdentityPrefix+identity.DID); err != nil {
		return model.AgentIdentity{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.register", "lookup failed", err)
	} else if exists {
		return model.AgentIdentity{}, agentmesherr.New(agentmesherr.KindDuplicateIdentity, "identity.register", "identity already registered for this public key: "+identity.DID)
	}

	if err := r.persist(ctx, identity); err != nil {
		return model.AgentIdentity{}, err
	}

	if err := r.store.RPush(ctx, keySponsorIndex+identity.SponsorEmail, identity.DID); err != nil {
		return model.AgentIdentity{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.register", "sponsor index update failed", err)
	}
	if identity.ParentDID != "" {
		if err := r.store.RPush(ctx, keyChildrenIndex+identity.ParentDID, identity.DID); err != nil {
			return model.AgentIdentity{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.register", "children index update failed", err)
		}
	}
	if identity.Status == model.StatusActive {
		if err := r.store.ZAdd(ctx, keyActiveSet, float64(identity.CreatedAt.Unix()), identity.DID); err != nil {
			return model.AgentIdentity{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.register", "active index update failed", err)
		}
	}
	return identity, nil
}

func (r *Registry) persist(ctx context.Context, identity model.AgentIdentity) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "identity.persist", "marshal failed", err)
	}
	if err := r.store.Set(ctx, keyIdentityPrefix+identity.DID, string(raw), 0); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.persist", "store failed", err)
	}
	return nil
}

// Get returns the identity registered under did.
func (r *Registry) Get(ctx context.Context, did string) (model.AgentIdentity, error) {
	raw, ok, err := r.store.Get(ctx, keyIdentityPrefix+did)
	if err != nil {
		return model.AgentIdentity{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.get", "lookup failed", err)
	}
	if !ok {
		return model.AgentIdentity{}, agentmesherr.New(agentmesherr.KindInvalidInput, "identity.get", "unknown DID: "+did)
	}
	var identity model.AgentIdentity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return model.AgentIdentity{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.get", "corrupt record", err)
	}
	return identity, nil
}

// Revoke marks did and every descendant reachable via parent-pointer
// closure as revoked, then notifies registered RevocationNotifiers with
// the full cascaded set so propagation can complete within
// REVOCATION_PROPAGATION_WINDOW.
func (r *Registry) Revoke(ctx context.Context, did, reason string) error {
	root, err := r.Get(ctx, did)
	if err != nil {
		return err
	}
	if root.Status == model.StatusRevoked {
		return nil // idempotent
	}

	cascaded, err := r.descendantsClosure(ctx, did)
	if err != nil {
		return err
	}
	cascaded = append([]string{did}, cascaded...)

	for _, d := range cascaded {
		identity, err := r.Get(ctx, d)
		if err != nil {
			return err
		}
		if identity.Status == model.StatusRevoked {
			continue
		}
		identity.Status = model.StatusRevoked
		if err := r.persist(ctx, identity); err != nil {
			return err
		}
		if err := r.store.ZRem(ctx, keyActiveSet, d); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.revoke", "active index removal failed", err)
		}
	}

	for _, n := range r.notifiers {
		if err := n.NotifyRevoked(ctx, cascaded, reason); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindUnavailable, "identity.revoke", "revocation notification failed", err)
		}
	}
	return nil
}

// descendantsClosure walks the parent-pointer index breadth-first and
// returns every DID transitively delegated from did.
func (r *Registry) descendantsClosure(ctx context.Context, did string) ([]string, error) {
	var out []string
	queue := []string{did}
	seen := map[string]bool{did: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := r.store.LRange(ctx, keyChildrenIndex+current, 0, -1)
		if err != nil {
			return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.revoke", "children lookup failed", err)
		}
		for _, child := range children {
			if seen[child] {
				continue // guards against a corrupted cyclic parent index
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// ListBySponsor returns every identity registered under sponsorEmail.
func (r *Registry) ListBySponsor(ctx context.Context, sponsorEmail string) ([]model.AgentIdentity, error) {
	dids, err := r.store.LRange(ctx, keySponsorIndex+sponsorEmail, 0, -1)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.list_by_sponsor", "index lookup failed", err)
	}
	return r.resolveAll(ctx, dids)
}

// ListActive returns every currently-active identity.
func (r *Registry) ListActive(ctx context.Context) ([]model.AgentIdentity, error) {
	members, err := r.store.ZRange(ctx, keyActiveSet, 0, float64(time.Now().Unix()+1))
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "identity.list_active", "index lookup failed", err)
	}
	dids := make([]string, len(members))
	for i, m := range members {
		dids[i] = m.Member
	}
	return r.resolveAll(ctx, dids)
}

func (r *Registry) resolveAll(ctx context.Context, dids []string) ([]model.AgentIdentity, error) {
	out := make([]model.AgentIdentity, 0, len(dids))
	for _, did := range dids {
		identity, err := r.Get(ctx, did)
		if err != nil {
			if kind, ok := agentmesherr.KindOf(err); ok && kind == agentmesherr.KindInvalidInput {
				continue // index referenced a DID since pruned
			}
			return nil, err
		}
		out = append(out, identity)
	}
	return out, nil
}

// Suspend marks an identity suspended without cascading to descendants,
// and without affecting the active-set TTL ordering beyond removing it.
func (r *Registry) Suspend(ctx context.Context, did, reason string) error {
	identity, err := r.Get(ctx, did)
	if err != nil {
		return err
	}
	if identity.Status == model.StatusRevoked {
		return agentmesherr.New(agentmesherr.KindInvalidInput, "identity.suspend", fmt.Sprintf("DID %s is revoked, cannot suspend", did))
	}
	identity.Status = model.StatusSuspended
	if err := r.persist(ctx, identity); err != nil {
		return err
	}
	return r.store.ZRem(ctx, keyActiveSet, did)
}

// Reactivate restores a suspended identity to active. Revoked identities
// can never be reactivated lifecycle invariant.
func (r *Registry) Reactivate(ctx context.Context, did string) error {
	identity, err := r.Get(ctx, did)
	if err != nil {
		return err
	}
	if identity.Status == model.StatusRevoked {
		return agentmesherr.New(agentmesherr.KindInvalidInput, "identity.reactivate", "revoked identities can never be reactivated")
	}
	identity.Status = model.StatusActive
	if err := r.persist(ctx, identity); err != nil {
		return err
	}
	return r.store.ZAdd(ctx, keyActiveSet, float64(time.Now().Unix()), did)
}
