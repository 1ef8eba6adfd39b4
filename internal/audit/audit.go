// Package audit implements the Audit Log (C6): a hash-chained,
// append-only record of everything the mesh does, with integrity
// verification and a CloudEvents-shaped external export.
//
// Entries are appended to the Storage Adapter's ordered-list primitive
// (C14) under one key, so any backend — memory, Redis, SQL — gets the
// same stable iteration order for free. Hash chaining and canonical
// serialization are shared with the Delegation Chain (C4) via
// internal/integrity.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/integrity"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

const (
	keyLog = "audit:log"

	// keyIntegrityBreak holds the persisted record of the most recent
	// hash-chain tamper VerifyIntegrity detected. Its presence suppresses
	// ExportExternal until AcknowledgeIntegrityBreak clears it.
	keyIntegrityBreak = "audit:integrity:break"
)

// AlertCallback is invoked when VerifyIntegrity detects a broken hash
// chain, mirroring the RevocationCallback/WarningCallback pattern the
// Reward Engine and Identity Registry use for their own fatal/warning
// conditions.
type AlertCallback func(ctx context.Context, badSeq int64, detectedAt time.Time)

// Option configures a Log.
type Option func(*Log)

// WithAlertCallback registers a callback invoked on every detected
// integrity break, in addition to the integrity-verified entry with
// outcome "broken" that VerifyIntegrity appends for each broken
// sequence number.
func WithAlertCallback(cb AlertCallback) Option {
	return func(l *Log) { l.alerts = append(l.alerts, cb) }
}

// WithLogger overrides the logger used to report a detected integrity
// break. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log is the Audit Log (C6).
type Log struct {
	store  storage.Adapter
	alerts []AlertCallback
	logger *slog.Logger
}

// New constructs an Audit Log backed by store.
func New(store storage.Adapter, opts ...Option) *Log {
	l := &Log{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// integrityBreak is the persisted record behind keyIntegrityBreak.
type integrityBreak struct {
	BadSeq     int64     `json:"bad_seq"`
	DetectedAt time.Time `json:"detected_at"`
}

// entrySignable is every AuditEntry field except Hash itself, the
// portion the chain hash covers.
type entrySignable struct {
	EntryID      string         `json:"entry_id"`
	SequenceNo   int64          `json:"sequence_no"`
	EventType    string         `json:"event_type"`
	AgentDID     string         `json:"agent_did"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource,omitempty"`
	Data         map[string]any `json:"data"`
	Outcome      string         `json:"outcome"`
	Timestamp    time.Time      `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
}

func signable(e model.AuditEntry) entrySignable {
	return entrySignable{
		EntryID:      e.EntryID,
		SequenceNo:   e.SequenceNo,
		EventType:    e.EventType,
		AgentDID:     e.AgentDID,
		Action:       e.Action,
		Resource:     e.Resource,
		Data:         e.Data,
		Outcome:      e.Outcome,
		Timestamp:    e.Timestamp,
		PreviousHash: e.PreviousHash,
	}
}

// Append records a new entry, chaining its hash to the previous entry's.
func (l *Log) Append(ctx context.Context, eventType, agentDID, action, resource string, data map[string]any, outcome string) (model.AuditEntry, error) {
	n, err := l.store.LLen(ctx, keyLog)
	if err != nil {
		return model.AuditEntry{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.append", "length lookup failed", err)
	}

	prevHash := integrity.ZeroHash
	if n > 0 {
		last, err := l.at(ctx, n-1)
		if err != nil {
			return model.AuditEntry{}, err
		}
		prevHash = last.Hash
	}

	entry := model.AuditEntry{
		EntryID:      uuid.NewString(),
		SequenceNo:   int64(n),
		EventType:    eventType,
		AgentDID:     agentDID,
		Action:       action,
		Resource:     resource,
		Data:         data,
		Outcome:      outcome,
		Timestamp:    time.Now().UTC(),
		PreviousHash: prevHash,
	}
	hash, err := integrity.HashCanonical(signable(entry))
	if err != nil {
		return model.AuditEntry{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "audit.append", "hash computation failed", err)
	}
	entry.Hash = hash

	raw, err := json.Marshal(entry)
	if err != nil {
		return model.AuditEntry{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "audit.append", "marshal failed", err)
	}
	if err := l.store.RPush(ctx, keyLog, string(raw)); err != nil {
		return model.AuditEntry{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.append", "append failed", err)
	}
	return entry, nil
}

func (l *Log) at(ctx context.Context, index int) (model.AuditEntry, error) {
	raw, err := l.store.LRange(ctx, keyLog, index, index)
	if err != nil {
		return model.AuditEntry{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.at", "range lookup failed", err)
	}
	if len(raw) == 0 {
		return model.AuditEntry{}, agentmesherr.New(agentmesherr.KindInvalidInput, "audit.at", fmt.Sprintf("no entry at index %d", index))
	}
	var e model.AuditEntry
	if err := json.Unmarshal([]byte(raw[0]), &e); err != nil {
		return model.AuditEntry{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.at", "corrupt record", err)
	}
	return e, nil
}

// Filters narrows a Query. Zero-valued fields are unconstrained.
type Filters struct {
	AgentDID  string
	EventType string
	Since     time.Time
	Until     time.Time
}

func (f Filters) matches(e model.AuditEntry) bool {
	if f.AgentDID != "" && e.AgentDID != f.AgentDID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns up to limit entries matching filters, most recent first.
func (l *Log) Query(ctx context.Context, filters Filters, limit int) ([]model.AuditEntry, error) {
	n, err := l.store.LLen(ctx, keyLog)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.query", "length lookup failed", err)
	}

	var out []model.AuditEntry
	for i := n - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e, err := l.at(ctx, i)
		if err != nil {
			return nil, err
		}
		if filters.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// VerifyIntegrity recomputes the hash chain from the first entry and
// returns whether it's intact, and the sequence number of the first
// entry where the stored hash disagrees (if any). A broken chain is
// fatal: VerifyIntegrity persists a suppression flag (so ExportExternal
// refuses to run until AcknowledgeIntegrityBreak is called), appends an
// EventAuditIntegrityVerified entry (outcome "broken") recording the
// break, and fires every registered AlertCallback — all before returning
// the KindIntegrityBroken error alongside ok=false.
func (l *Log) VerifyIntegrity(ctx context.Context) (ok bool, firstBadSeq int64, err error) {
	n, err := l.store.LLen(ctx, keyLog)
	if err != nil {
		return false, 0, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.verify_integrity", "length lookup failed", err)
	}

	prevHash := integrity.ZeroHash
	for i := 0; i < n; i++ {
		e, err := l.at(ctx, i)
		if err != nil {
			return false, 0, err
		}
		broken := e.PreviousHash != prevHash
		if !broken {
			recomputed, err := integrity.HashCanonical(signable(e))
			if err != nil {
				return false, 0, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "audit.verify_integrity", "hash computation failed", err)
			}
			broken = recomputed != e.Hash
		}
		if broken {
			if recErr := l.recordIntegrityBreak(ctx, e.SequenceNo); recErr != nil {
				return false, e.SequenceNo, recErr
			}
			return false, e.SequenceNo, agentmesherr.New(agentmesherr.KindIntegrityBroken, "audit.verify_integrity",
				fmt.Sprintf("hash chain broken at sequence %d", e.SequenceNo))
		}
		prevHash = e.Hash
	}
	return true, 0, nil
}

func (l *Log) integrityBreakState(ctx context.Context) (integrityBreak, bool, error) {
	raw, ok, err := l.store.Get(ctx, keyIntegrityBreak)
	if err != nil {
		return integrityBreak{}, false, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.integrity_break_state", "lookup failed", err)
	}
	if !ok {
		return integrityBreak{}, false, nil
	}
	var st integrityBreak
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return integrityBreak{}, false, agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.integrity_break_state", "corrupt record", err)
	}
	return st, true, nil
}

// recordIntegrityBreak persists the suppression flag, logs and appends
// the broken-chain audit event, and fires alert callbacks — but only once per
// distinct bad sequence number, so a repeated VerifyIntegrity call (e.g.
// from a periodic scheduler) against a still-broken, still-unacknowledged
// chain doesn't re-alert or re-append on every tick.
func (l *Log) recordIntegrityBreak(ctx context.Context, badSeq int64) error {
	existing, already, err := l.integrityBreakState(ctx)
	if err != nil {
		return err
	}
	if already && existing.BadSeq == badSeq {
		return nil
	}

	now := time.Now().UTC()
	raw, err := json.Marshal(integrityBreak{BadSeq: badSeq, DetectedAt: now})
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "audit.record_integrity_break", "marshal failed", err)
	}
	if err := l.store.Set(ctx, keyIntegrityBreak, string(raw), 0); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.record_integrity_break", "store failed", err)
	}

	if l.logger != nil {
		l.logger.Error("audit: hash chain integrity broken", "bad_seq", badSeq, "detected_at", now)
	}
	if _, err := l.Append(ctx, model.EventAuditIntegrityVerified, "", "verify_integrity", "", map[string]any{
		"bad_seq":     badSeq,
		"detected_at": now.Format(time.RFC3339Nano),
	}, "broken"); err != nil {
		return err
	}
	for _, cb := range l.alerts {
		cb(ctx, badSeq, now)
	}
	return nil
}

// IntegritySuppressed reports whether ExportExternal is currently
// suppressed by an unacknowledged integrity break, and the break's
// sequence number and detection time if so.
func (l *Log) IntegritySuppressed(ctx context.Context) (suppressed bool, badSeq int64, detectedAt time.Time, err error) {
	st, ok, err := l.integrityBreakState(ctx)
	if err != nil {
		return false, 0, time.Time{}, err
	}
	if !ok {
		return false, 0, time.Time{}, nil
	}
	return true, st.BadSeq, st.DetectedAt, nil
}

// AcknowledgeIntegrityBreak clears the suppression flag, letting
// ExportExternal resume. It performs no re-verification of its own —
// callers are expected to have already investigated and resolved the
// tamper (or confirmed it was a false positive) before acknowledging.
func (l *Log) AcknowledgeIntegrityBreak(ctx context.Context) error {
	if err := l.store.Delete(ctx, keyIntegrityBreak); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.acknowledge_integrity_break", "delete failed", err)
	}
	return nil
}

// MerkleRoot returns the Merkle root over every entry's hash, in append
// order, for cheap external attestation of the full log's contents.
func (l *Log) MerkleRoot(ctx context.Context) (string, error) {
	n, err := l.store.LLen(ctx, keyLog)
	if err != nil {
		return "", agentmesherr.Wrap(agentmesherr.KindStorageError, "audit.merkle_root", "length lookup failed", err)
	}
	leaves := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.at(ctx, i)
		if err != nil {
			return "", err
		}
		leaves = append(leaves, e.Hash)
	}
	return integrity.BuildMerkleRoot(leaves), nil
}

// ExportExternal produces the CloudEvents-shaped envelope for every entry
// in [start, end]. While an integrity break is unacknowledged, export is
// suppressed entirely — callers must investigate and call
// AcknowledgeIntegrityBreak before export resumes.
func (l *Log) ExportExternal(ctx context.Context, start, end time.Time) ([]model.ExternalEvent, error) {
	suppressed, badSeq, detectedAt, err := l.IntegritySuppressed(ctx)
	if err != nil {
		return nil, err
	}
	if suppressed {
		return nil, agentmesherr.New(agentmesherr.KindIntegrityBroken, "audit.export_external",
			fmt.Sprintf("export suppressed: unacknowledged integrity break at sequence %d (detected %s)", badSeq, detectedAt.Format(time.RFC3339)))
	}

	filters := Filters{Since: start, Until: end}
	entries, err := l.Query(ctx, filters, 0)
	if err != nil {
		return nil, err
	}

	out := make([]model.ExternalEvent, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- { // Query returns newest-first; export wants chronological order
		e := entries[i]
		out = append(out, model.ExternalEvent{
			SpecVersion:     "1.0",
			ID:              e.EntryID,
			Type:            e.EventType,
			Source:          e.AgentDID,
			Time:            e.Timestamp.UTC().Format(time.RFC3339),
			Subject:         e.Resource,
			DataContentType: "application/json",
			Data:            e.Data,
		})
	}
	return out, nil
}
