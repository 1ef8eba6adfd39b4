package model

import "time"

// HandshakeChallenge is issued by a caller to begin a trust handshake.
type HandshakeChallenge struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       []byte    `json:"nonce"` // >= 16 bytes (128 bits)
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Protocol    string    `json:"protocol"`
}

// Expired reports whether the challenge is no longer usable as of now.
// Expiry is checked against an absolute timestamp, never a relative
// deadline measured from first use.
func (c HandshakeChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// HandshakeResponse is the peer's signed reply to a challenge.
type HandshakeResponse struct {
	ChallengeID  string         `json:"challenge_id"`
	ResponderDID string         `json:"responder_did"`
	Signature    []byte         `json:"signature"` // over Nonce || ResponderDID || Timestamp
	Timestamp    time.Time      `json:"timestamp"`
	Capabilities []string       `json:"capabilities"`
	TrustScore   int            `json:"trust_score"` // client-declared; hint-only, never trusted directly
	UserContext  map[string]any `json:"user_context,omitempty"`
}

// HandshakeFailureReason enumerates the named failure conditions a
// handshake Verify can report.
type HandshakeFailureReason string

const (
	FailureNone                   HandshakeFailureReason = ""
	FailureChallengeExpired       HandshakeFailureReason = "ChallengeExpired"
	FailureBadSignature           HandshakeFailureReason = "BadSignature"
	FailurePeerRevoked            HandshakeFailureReason = "PeerRevoked"
	FailurePeerUnknown            HandshakeFailureReason = "PeerUnknown"
	FailureTrustBelowThreshold    HandshakeFailureReason = "TrustBelowThreshold"
	FailureCapabilityInsufficient HandshakeFailureReason = "CapabilityInsufficient"
	FailurePeerProtocolUnsupported HandshakeFailureReason = "PeerProtocolUnsupported"
)

// HandshakeResult is the outcome of verifying a handshake response.
type HandshakeResult struct {
	PeerDID      string                  `json:"peer_did"`
	Trusted      bool                    `json:"trusted"`
	TrustScore   int                     `json:"trust_score"` // authoritative, re-fetched from the reward engine
	Capabilities []string                `json:"capabilities"` // intersection of caller requirement and peer grant
	FailureReason HandshakeFailureReason `json:"failure_reason,omitempty"`
	CachedUntil  time.Time               `json:"cached_until,omitempty"`
}
