// Package delegation implements the Delegation Chain (C4): hash-linked,
// narrowing-enforced capability grants from a sponsor's bootstrap
// identity down through however many sub-agent hops a policy allows.
//
// Each DelegationLink is signed by its delegator (via the Key Store, C1)
// and chained to its predecessor by previous_link_hash == SHA256(
// canonical(previous_link)), reusing internal/integrity exactly as the
// Audit Log (C6) does. Extending a chain re-verifies every existing
// link's hash and signature before appending, so a chain can never be
// extended out from under a tampered or forged predecessor.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/capability"
	"github.com/agentmesh/mesh/internal/integrity"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

const keyChainPrefix = "delegation:chain:"

// KeyVerifier is the subset of keystore.Store the chain manager needs to
// sign new links and verify existing ones.
type KeyVerifier interface {
	Sign(ctx context.Context, agentID string, data []byte) ([]byte, error)
	Verify(ctx context.Context, publicKey, data, signature []byte) bool
}

// IdentityLookup resolves a DID to its public key for signature
// verification, and to its capability set for the root-link case.
type IdentityLookup interface {
	Get(ctx context.Context, did string) (model.AgentIdentity, error)
}

// CycleGuard rejects a candidate delegation link that would close a
// cycle: a delegatee DID that already appears somewhere in the
// delegator's own lineage (as the delegator or delegatee of an earlier
// link, or as the lineage's root). Chains are stored per leaf DID, so a
// naive Extend can silently persist a cyclic chain under the new leaf's
// key without ever re-reading the chain it displaces; CycleGuard is the
// explicit check that catches that before persisting.
type CycleGuard struct{}

// Check walks every DID already present in chain (the chain on file for
// delegatorDID) and rejects delegateeDID if it already appears there.
func (CycleGuard) Check(chain model.DelegationChain, delegatorDID, delegateeDID string) error {
	seen := map[string]struct{}{delegatorDID: {}}
	for _, link := range chain.Links {
		seen[link.DelegatorDID] = struct{}{}
		seen[link.DelegateeDID] = struct{}{}
	}
	if _, ok := seen[delegateeDID]; ok {
		return agentmesherr.WrapDelegation(agentmesherr.SubKindCycle, "delegation.cycle_guard",
			fmt.Sprintf("delegatee %s already appears in %s's delegation lineage", delegateeDID, delegatorDID))
	}
	return nil
}

// Chains manages delegation chains, keyed by the leaf agent's DID (a DID
// belongs to at most one chain, since it was either sponsor-rooted or
// delegated from exactly one parent).
type Chains struct {
	store      storage.Adapter
	keys       KeyVerifier
	identities IdentityLookup
	maxDepth   int
	cycles     CycleGuard
}

// Option configures Chains.
type Option func(*Chains)

// WithMaxDepth overrides the default maximum chain depth (5).
func WithMaxDepth(n int) Option {
	return func(c *Chains) { c.maxDepth = n }
}

// New constructs a Delegation Chain manager.
func New(store storage.Adapter, keys KeyVerifier, identities IdentityLookup, opts ...Option) *Chains {
	c := &Chains{store: store, keys: keys, identities: identities, maxDepth: 5}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// linkSignable is the subset of DelegationLink fields covered by its
// signature and its previous_link_hash, i.e. everything except the
// signature bytes themselves.
type linkSignable struct {
	DelegatorDID     string     `json:"delegator_did"`
	DelegateeDID     string     `json:"delegatee_did"`
	Capabilities     []string   `json:"capabilities"`
	PreviousLinkHash string     `json:"previous_link_hash"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func signable(l model.DelegationLink) linkSignable {
	return linkSignable{
		DelegatorDID:     l.DelegatorDID,
		DelegateeDID:     l.DelegateeDID,
		Capabilities:     l.Capabilities,
		PreviousLinkHash: l.PreviousLinkHash,
		CreatedAt:        l.CreatedAt,
		ExpiresAt:        l.ExpiresAt,
	}
}

func linkHash(l model.DelegationLink) (string, error) {
	return integrity.HashCanonical(signable(l))
}

// Extend appends a new link delegating a narrowed capability set from
// delegatorDID to delegateeDID, rooted at the chain already on file for
// delegatorDID (or starting a fresh chain if delegatorDID is itself a
// sponsor-bootstrap identity with no chain yet).
func (c *Chains) Extend(ctx context.Context, delegatorDID, delegateeDID string, capabilities []string, ttl time.Duration) (model.DelegationChain, error) {
	chain, err := c.chainFor(ctx, delegatorDID)
	if err != nil {
		return model.DelegationChain{}, err
	}

	if len(chain.Links) >= c.maxDepth {
		return model.DelegationChain{}, agentmesherr.WrapDelegation(agentmesherr.SubKindDepthExceeded, "delegation.extend",
			fmt.Sprintf("chain already at max depth %d", c.maxDepth))
	}

	if err := c.verifyChain(ctx, chain); err != nil {
		return model.DelegationChain{}, err
	}

	if err := c.cycles.Check(chain, delegatorDID, delegateeDID); err != nil {
		return model.DelegationChain{}, err
	}

	parentCaps := c.capabilitiesAt(ctx, delegatorDID, chain)
	if !capability.SetSubsumes(parentCaps, capabilities) {
		return model.DelegationChain{}, agentmesherr.WrapDelegation(agentmesherr.SubKindNarrowing, "delegation.extend",
			"delegated capabilities must narrow the delegator's own grant")
	}

	prevHash := integrity.ZeroHash
	if len(chain.Links) > 0 {
		h, err := linkHash(chain.Links[len(chain.Links)-1])
		if err != nil {
			return model.DelegationChain{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "delegation.extend", "hash computation failed", err)
		}
		prevHash = h
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		e := now.Add(ttl)
		expiresAt = &e
	}

	link := model.DelegationLink{
		DelegatorDID:     delegatorDID,
		DelegateeDID:     delegateeDID,
		Capabilities:     capabilities,
		PreviousLinkHash: prevHash,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}

	sig, err := c.keys.Sign(ctx, delegatorDID, mustCanonical(signable(link)))
	if err != nil {
		return model.DelegationChain{}, agentmesherr.Wrap(agentmesherr.KindCryptoError, "delegation.extend", "signing failed", err)
	}
	link.Signature = sig

	if chain.RootSponsorEmail == "" {
		root, err := c.identities.Get(ctx, delegatorDID)
		if err == nil {
			chain.RootSponsorEmail = root.SponsorEmail
		}
	}
	chain.Links = append(chain.Links, link)

	if err := c.persist(ctx, delegateeDID, chain); err != nil {
		return model.DelegationChain{}, err
	}
	return chain, nil
}

func mustCanonical(v any) []byte {
	b, err := integrity.CanonicalJSON(v)
	if err != nil {
		// signable() values are plain structs of strings/slices/times; they
		// always marshal cleanly, so this path is unreachable in practice.
		return []byte(fmt.Sprintf("%v", v))
	}
	return b
}

// capabilitiesAt returns the capability set delegatorDID is entitled to
// delegate from: the leaf of its own chain if it has one, or its
// registry-granted capabilities if it is chain-root (a sponsor-bootstrap
// identity with no incoming delegation).
func (c *Chains) capabilitiesAt(ctx context.Context, did string, chainRootedAtDID model.DelegationChain) []string {
	if len(chainRootedAtDID.Links) > 0 {
		return chainRootedAtDID.Links[len(chainRootedAtDID.Links)-1].Capabilities
	}
	agent, err := c.identities.Get(ctx, did)
	if err != nil {
		return nil
	}
	return agent.Capabilities
}

// chainFor returns the chain already recorded with did as its leaf, or an
// empty chain if did has not yet been delegated to (i.e. it is a root).
func (c *Chains) chainFor(ctx context.Context, did string) (model.DelegationChain, error) {
	raw, ok, err := c.store.Get(ctx, keyChainPrefix+did)
	if err != nil {
		return model.DelegationChain{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "delegation.chain_for", "lookup failed", err)
	}
	if !ok {
		return model.DelegationChain{}, nil
	}
	var chain model.DelegationChain
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return model.DelegationChain{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "delegation.chain_for", "corrupt record", err)
	}
	return chain, nil
}

func (c *Chains) persist(ctx context.Context, leafDID string, chain model.DelegationChain) error {
	raw, err := json.Marshal(chain)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "delegation.persist", "marshal failed", err)
	}
	if err := c.store.Set(ctx, keyChainPrefix+leafDID, string(raw), 0); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "delegation.persist", "store failed", err)
	}
	return nil
}

// ChainFor is the exported read path used by the Trust Handshake (C10) and
// the Governance Proxy (C12) to resolve an agent's full delegation lineage.
func (c *Chains) ChainFor(ctx context.Context, did string) (model.DelegationChain, error) {
	return c.chainFor(ctx, did)
}

// Verify checks every link in did's chain: hash linkage, signature
// validity, per-link expiry and revocation, and the narrowing invariant across
// consecutive links. It is the operation the Trust Handshake calls
// before trusting a presented chain.
func (c *Chains) Verify(ctx context.Context, did string) error {
	chain, err := c.chainFor(ctx, did)
	if err != nil {
		return err
	}
	return c.verifyChain(ctx, chain)
}

func (c *Chains) verifyChain(ctx context.Context, chain model.DelegationChain) error {
	prevHash := integrity.ZeroHash
	now := time.Now().UTC()

	for i, link := range chain.Links {
		if link.PreviousLinkHash != prevHash {
			return agentmesherr.WrapDelegation(agentmesherr.SubKindHashBroken, "delegation.verify",
				fmt.Sprintf("link %d: hash chain broken", i))
		}
		if link.Expired(now) {
			return agentmesherr.WrapDelegation(agentmesherr.SubKindExpiredLink, "delegation.verify",
				fmt.Sprintf("link %d: expired", i))
		}
		if link.Revoked {
			return agentmesherr.WrapDelegation(agentmesherr.SubKindExpiredLink, "delegation.verify",
				fmt.Sprintf("link %d: revoked", i))
		}

		signer, err := c.identities.Get(ctx, link.DelegatorDID)
		if err != nil {
			return agentmesherr.WrapDelegation(agentmesherr.SubKindBadSignature, "delegation.verify",
				fmt.Sprintf("link %d: delegator identity unresolvable", i))
		}
		if !c.keys.Verify(ctx, signer.PublicKey, mustCanonical(signable(link)), link.Signature) {
			return agentmesherr.WrapDelegation(agentmesherr.SubKindBadSignature, "delegation.verify",
				fmt.Sprintf("link %d: signature invalid", i))
		}

		if i > 0 {
			prevCaps := chain.Links[i-1].Capabilities
			if !capability.SetSubsumes(prevCaps, link.Capabilities) {
				return agentmesherr.WrapDelegation(agentmesherr.SubKindNarrowing, "delegation.verify",
					fmt.Sprintf("link %d: does not narrow link %d's grant", i, i-1))
			}
		}

		h, err := linkHash(link)
		if err != nil {
			return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "delegation.verify", "hash computation failed", err)
		}
		prevHash = h
	}
	return nil
}

// TraceCapability reports how each link in did's chain constrains cap,
// for debugging why an agent does or doesn't effectively hold a
// capability.
func (c *Chains) TraceCapability(ctx context.Context, did, cap string) ([]model.CapabilityTraceEvent, error) {
	chain, err := c.chainFor(ctx, did)
	if err != nil {
		return nil, err
	}
	events := make([]model.CapabilityTraceEvent, 0, len(chain.Links))
	for i, link := range chain.Links {
		matched := false
		for _, grant := range link.Capabilities {
			if capability.Subsumes(grant, cap) {
				matched = true
				break
			}
		}
		events = append(events, model.CapabilityTraceEvent{
			LinkIndex:    i,
			DelegatorDID: link.DelegatorDID,
			DelegateeDID: link.DelegateeDID,
			Matched:      matched,
			Capabilities: link.Capabilities,
		})
	}
	return events, nil
}

// Revoke marks did's own incoming link revoked. It does not cascade —
// cascading identity-wide revocation is the Identity Registry's (C2)
// responsibility; this only removes the specific grant so a re-delegation
// under the same DID starts a clean chain.
func (c *Chains) Revoke(ctx context.Context, did string) error {
	chain, err := c.chainFor(ctx, did)
	if err != nil {
		return err
	}
	if len(chain.Links) == 0 {
		return agentmesherr.New(agentmesherr.KindInvalidInput, "delegation.revoke", "no delegation chain for "+did)
	}
	now := time.Now().UTC()
	last := &chain.Links[len(chain.Links)-1]
	last.Revoked = true
	last.RevokedAt = &now
	return c.persist(ctx, did, chain)
}
