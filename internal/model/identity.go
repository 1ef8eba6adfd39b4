// Package model defines the core data types shared across the mesh: agent
// identities, sponsors, credentials, delegation chains, trust scores, and the
// handshake and audit record shapes. Types here are plain structs so every
// component can depend on a single, stable shape instead of ad-hoc maps.
package model

import (
	"fmt"
	"time"
)

// IdentityStatus is the lifecycle state of an AgentIdentity.
type IdentityStatus string

const (
	StatusActive    IdentityStatus = "active"
	StatusSuspended IdentityStatus = "suspended"
	StatusRevoked   IdentityStatus = "revoked"
	StatusExpired   IdentityStatus = "expired"
)

// Usable reports whether an identity in this status may be used for any
// operation. Only StatusActive identities are usable.
func (s IdentityStatus) Usable() bool {
	return s == StatusActive
}

// AgentIdentity is a cryptographically-identified autonomous agent.
//
// did is a pure function of PublicKey (see capability.DeriveDID); two
// registrations with the same public key collide and the second fails with
// ErrDuplicateIdentity in the identity package.
type AgentIdentity struct {
	DID          string         `json:"did"`
	PublicKey    []byte         `json:"public_key"` // raw 32-byte Ed25519 verifying key
	SponsorEmail string         `json:"sponsor_email"`
	Capabilities []string       `json:"capabilities"`
	Status       IdentityStatus `json:"status"`
	ParentDID    string         `json:"parent_did,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"` // forward-compatible extension bag
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// IsDelegated reports whether this identity was created via delegation.
func (a AgentIdentity) IsDelegated() bool {
	return a.ParentDID != ""
}

// HumanSponsor is the accountable human behind a tree of agent identities.
type HumanSponsor struct {
	Email               string   `json:"email"`
	Name                string   `json:"name"`
	Organization        string   `json:"organization"`
	VerifiedMethod      string   `json:"verified_method"` // e.g. "email_otp", "sso"
	AllowedCapabilities []string `json:"allowed_capabilities"`
	MaxAgents           int      `json:"max_agents"`
	SponsoredDIDs       []string `json:"sponsored_dids"`
}

// CanSponsorMore reports whether this sponsor is under its agent cap.
func (h HumanSponsor) CanSponsorMore() bool {
	return len(h.SponsoredDIDs) < h.MaxAgents
}

// Validate checks HumanSponsor invariants that do not require a DB round trip.
func (h HumanSponsor) Validate() error {
	if h.Email == "" {
		return fmt.Errorf("model: sponsor email is required")
	}
	if h.MaxAgents <= 0 {
		return fmt.Errorf("model: sponsor max_agents must be positive")
	}
	if len(h.SponsoredDIDs) > h.MaxAgents {
		return fmt.Errorf("model: sponsor %s has %d sponsored agents, exceeds max_agents=%d",
			h.Email, len(h.SponsoredDIDs), h.MaxAgents)
	}
	return nil
}
