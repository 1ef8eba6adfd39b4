package model

import (
	"time"

	"github.com/google/uuid"
)

// CredentialStatus is the lifecycle state of a Credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRotated CredentialStatus = "rotated" // superseded but still valid until ExpiresAt
	CredentialRevoked CredentialStatus = "revoked"
	CredentialExpired CredentialStatus = "expired"
)

// Credential is an ephemeral bearer credential scoped to capabilities and an
// optional resource allow-list. The wire-facing opaque token binds
// CredentialID to an unguessable secret; only its hash is persisted.
type Credential struct {
	CredentialID uuid.UUID        `json:"credential_id"`
	AgentDID     string           `json:"agent_did"`
	Capabilities []string         `json:"capabilities"`
	ResourceIDs  []string         `json:"resource_ids,omitempty"`
	IssuedAt     time.Time        `json:"issued_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Status       CredentialStatus `json:"status"`
	RotatedFrom  *uuid.UUID       `json:"rotated_from,omitempty"`
	IssuedFor    string           `json:"issued_for,omitempty"` // free-text purpose/session label
}

// TTL returns the credential's configured lifetime.
func (c Credential) TTL() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Live reports whether the credential is currently presentable, i.e. its
// status still permits use (active or rotated-but-not-yet-expired) and it
// has not passed its expiry. Revocation status of the owning agent is
// checked one layer up by the credential manager, which has registry access.
func (c Credential) Live(now time.Time) bool {
	if c.Status != CredentialActive && c.Status != CredentialRotated {
		return false
	}
	return now.Before(c.ExpiresAt)
}
