package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Publish/Subscribe themselves require a live NATS connection and are
// not exercised by this package's tests; these cover the pure
// encode/decode logic that doesn't need a broker.

func TestDecodeRevocation_RoundTrips(t *testing.T) {
	want := RevocationEvent{EntryKind: "did", ID: "did:mesh:bad", Reason: "compromised", RevokedAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	got, err := DecodeRevocation(Envelope{Kind: KindRevocation, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeRevocation_ErrorsOnMalformedPayload(t *testing.T) {
	_, err := DecodeRevocation(Envelope{Kind: KindRevocation, Payload: []byte("not json")})
	assert.Error(t, err)
}

func TestDecodeScoreChange_RoundTrips(t *testing.T) {
	want := ScoreChangeEvent{AgentDID: "did:mesh:a", TotalScore: 280, Tier: "untrusted", Reason: "auto_revocation", OccurredAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	got, err := DecodeScoreChange(Envelope{Kind: KindScoreChange, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeScoreChange_ErrorsOnMalformedPayload(t *testing.T) {
	_, err := DecodeScoreChange(Envelope{Kind: KindScoreChange, Payload: []byte("not json")})
	assert.Error(t, err)
}
