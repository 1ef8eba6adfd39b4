package model

import "time"

// DelegationLink is one signed hop in a DelegationChain: delegator grants a
// narrowed capability set to delegatee. previous_link_hash chains it to its
// predecessor; the first link in a chain has an all-zero predecessor hash.
type DelegationLink struct {
	DelegatorDID     string     `json:"delegator_did"`
	DelegateeDID     string     `json:"delegatee_did"`
	Capabilities     []string   `json:"capabilities"`
	PreviousLinkHash string     `json:"previous_link_hash"`
	Signature        []byte     `json:"signature"` // Ed25519 signature over the canonical link, by DelegatorDID
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the link's own TTL (not the owning agent's status)
// has passed as of now.
func (l DelegationLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// DelegationChain is an ordered list of links rooted at a HumanSponsor,
// chain[0].DelegatorDID is conceptually the sponsor's bootstrap identity.
type DelegationChain struct {
	RootSponsorEmail string           `json:"root_sponsor_email"`
	Links            []DelegationLink `json:"links"`
}

// Depth returns the number of links in the chain.
func (c DelegationChain) Depth() int {
	return len(c.Links)
}

// Leaf returns the final delegatee DID in the chain, or "" if empty.
func (c DelegationChain) Leaf() string {
	if len(c.Links) == 0 {
		return ""
	}
	return c.Links[len(c.Links)-1].DelegateeDID
}

// EffectiveCapabilities returns the leaf's capability set, which by the
// narrowing invariant equals the intersection over all links.
func (c DelegationChain) EffectiveCapabilities() []string {
	if len(c.Links) == 0 {
		return nil
	}
	return c.Links[len(c.Links)-1].Capabilities
}

// CapabilityTraceEvent describes how one link in a chain constrains a
// capability being traced.
type CapabilityTraceEvent struct {
	LinkIndex    int      `json:"link_index"`
	DelegatorDID string   `json:"delegator_did"`
	DelegateeDID string   `json:"delegatee_did"`
	Matched      bool     `json:"matched"`
	Capabilities []string `json:"capabilities"`
}
