// Package eventbus implements the mesh's explicit event bus: a single
// broadcast subject per event kind, fan-out to every registered
// subscriber, and no back-pressure on the publisher — a slow or absent
// subscriber drops events past its own buffer rather than blocking
// anyone else, with every drop logged.
//
// This replaces the direct-callback-list pattern (a component holding
// a slice of func(ctx, ...) and invoking each one synchronously) that
// revocation.Set and reward.Engine otherwise use for their own
// same-process invalidation, which remains unordered with respect to
// delivery to other mesh instances. The bus is the cross-instance
// complement to those lists: where the direct callbacks give one
// process immediate, lossless notification, the bus gives every other
// agentmesh instance in the deployment the same event, best-effort.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// Event kind names, namespaced under the subject prefix below.
const (
	KindRevocation  = "revocation"
	KindScoreChange = "score_change"
	KindAuditExport = "audit_export"
)

const subjectPrefix = "agentmesh.events."

// defaultBufferSize bounds each subscriber's local fan-out channel.
// Publish never blocks on a full subscriber buffer; the event is
// dropped and logged instead.
const defaultBufferSize = 256

// RevocationEvent is published whenever the Revocation Set records a
// new entry, so every mesh instance — not just the one that received
// the revoke call — can drop its own cached decisions.
type RevocationEvent struct {
	EntryKind string    `json:"entry_kind"` // "did" | "credential"
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// ScoreChangeEvent is published whenever the Reward Engine crosses the
// warning or revocation threshold for an agent.
type ScoreChangeEvent struct {
	AgentDID   string    `json:"agent_did"`
	TotalScore int       `json:"total_score"`
	Tier       string    `json:"tier"`
	Reason     string    `json:"reason"` // "warning" | "auto_revocation"
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope is the wire shape every event is published and received as.
type Envelope struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Bus is the mesh's explicit event bus, backed by a NATS core
// pub/sub connection (no JetStream: events are fan-out notifications
// for cache invalidation and reporting, not a durable log — the Audit
// Log already owns durability).
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New constructs a Bus over an already-connected NATS connection.
func New(conn *nats.Conn, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{conn: conn, logger: logger}
}

// Publish broadcasts payload, marshaled as JSON, under kind. Publish
// never blocks on subscriber behavior: NATS core pub/sub hands the
// message to the server and returns.
func (b *Bus) Publish(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "eventbus.publish", "marshal payload", err)
	}
	env := Envelope{Kind: kind, Payload: data, PublishedAt: time.Now().UTC()}
	raw, err := json.Marshal(env)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "eventbus.publish", "marshal envelope", err)
	}
	if err := b.conn.Publish(subjectPrefix+kind, raw); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindUnavailable, "eventbus.publish", "nats publish failed", err)
	}
	return nil
}

// Subscribe registers a new fan-out subscriber for kind and returns a
// channel of envelopes plus an unsubscribe func. Each call to Subscribe
// gets its own buffered channel (bufSize, or defaultBufferSize if <=0);
// when a subscriber falls behind and its buffer fills, the oldest-next
// event is dropped (not blocked on) and logged — this is the
// "no back-pressure on publishers" guarantee.
func (b *Bus) Subscribe(kind string, bufSize int) (<-chan Envelope, func() error, error) {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	out := make(chan Envelope, bufSize)

	sub, err := b.conn.Subscribe(subjectPrefix+kind, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("eventbus: dropping malformed event", "kind", kind, "error", err)
			return
		}
		select {
		case out <- env:
		default:
			b.logger.Warn("eventbus: subscriber buffer full, dropping event", "kind", kind)
		}
	})
	if err != nil {
		close(out)
		return nil, nil, agentmesherr.Wrap(agentmesherr.KindUnavailable, "eventbus.subscribe", "nats subscribe failed", err)
	}

	unsubscribe := func() error {
		return sub.Unsubscribe()
	}
	return out, unsubscribe, nil
}

// PublishRevocation is a typed convenience wrapper around Publish for
// KindRevocation.
func (b *Bus) PublishRevocation(ctx context.Context, entryKind, id, reason string) error {
	return b.Publish(ctx, KindRevocation, RevocationEvent{
		EntryKind: entryKind,
		ID:        id,
		Reason:    reason,
		RevokedAt: time.Now().UTC(),
	})
}

// PublishScoreChange is a typed convenience wrapper around Publish for
// KindScoreChange.
func (b *Bus) PublishScoreChange(ctx context.Context, event ScoreChangeEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return b.Publish(ctx, KindScoreChange, event)
}

// DecodeRevocation unmarshals env's payload as a RevocationEvent. Use
// from a goroutine draining the channel returned by
// Subscribe(KindRevocation, ...).
func DecodeRevocation(env Envelope) (RevocationEvent, error) {
	var e RevocationEvent
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return RevocationEvent{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "eventbus.decode_revocation", "unmarshal payload", err)
	}
	return e, nil
}

// DecodeScoreChange unmarshals env's payload as a ScoreChangeEvent.
func DecodeScoreChange(env Envelope) (ScoreChangeEvent, error) {
	var e ScoreChangeEvent
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return ScoreChangeEvent{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "eventbus.decode_score_change", "unmarshal payload", err)
	}
	return e, nil
}
