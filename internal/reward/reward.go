// Package reward implements the Reward Engine (C9): a five-dimension,
// exponentially-weighted trust score per agent, decayed during idle
// periods and wired to cascading revocation when it drops too low.
//
// Every dimension update is an independent EMA:
//
//	score' = score*(1-alpha) + v*100*alpha
//
// with v in [0,1] and alpha = config.EMAAlpha (default 0.1). The
// composite score is round(sum(dim.score * weight) * 10), clamped to
// [0,1000], and classified into a tier by model.TierForScore. Weights
// must sum to 1.0 within 1e-6 or UpdateWeights fails with
// agentmesherr.KindInvalidWeights.
package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/eventbus"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

const (
	keyScorePrefix = "reward:score:"
	keyRanked      = "reward:ranked" // sorted set: member=agent_did, score=total_score
)

// IdentityRevoker is the subset of identity.Registry the engine needs to
// cascade a trust-driven revocation.
type IdentityRevoker interface {
	Revoke(ctx context.Context, did, reason string) error
}

// IdentityLister is the subset of identity.Registry the decay loop walks.
type IdentityLister interface {
	ListActive(ctx context.Context) ([]model.AgentIdentity, error)
}

// CredentialRevoker is the subset of credential.Manager the engine needs
// to invalidate bearer credentials alongside an identity revocation. The
// engine keeps no credential IDs of its own and calls this with a nil
// credentialIDs slice; credential.Manager.RevokeAllForAgent maintains its
// own per-agent credential index (populated at Issue time) and enumerates
// that instead of relying solely on the caller-supplied list.
type CredentialRevoker interface {
	RevokeAllForAgent(ctx context.Context, did string, credentialIDs []uuid.UUID, reason string) error
}

// AuditAppender is the subset of audit.Log the engine needs to record
// auto-revocation events.
type AuditAppender interface {
	Append(ctx context.Context, eventType, agentDID, action, resource string, data map[string]any, outcome string) (model.AuditEntry, error)
}

// RevocationCallback is invoked after a trust-driven auto-revocation
// completes, mirroring the identity.RevocationNotifier / revocation.Subscriber
// shape used elsewhere in the mesh.
type RevocationCallback func(ctx context.Context, did string, score model.TrustScore)

// WarningCallback is invoked when an agent's score crosses below the
// warning threshold without yet triggering revocation.
type WarningCallback func(ctx context.Context, did string, score model.TrustScore)

// EventPublisher is the subset of the event bus the engine broadcasts
// score-threshold crossings onto, for instances other than this one.
// Like revocation.Publisher, a publish failure is logged, not
// propagated — the cross-instance broadcast is best-effort, unlike the
// onRevocation/onWarning callbacks which run synchronously in-process.
type EventPublisher interface {
	PublishScoreChange(ctx context.Context, event eventbus.ScoreChangeEvent) error
}

// Engine is the Reward Engine (C9).
type Engine struct {
	store      storage.Adapter
	identities IdentityLister
	revoker    IdentityRevoker
	creds      CredentialRevoker
	audit      AuditAppender

	alpha               float64
	decayRate           float64
	decayFloor          int
	revocationThreshold int
	warningThreshold    int
	initialScore        int
	idleAfter           time.Duration

	mu      sync.RWMutex
	weights map[model.Dimension]float64

	onRevocation []RevocationCallback
	onWarning    []WarningCallback
	events       EventPublisher
	logger       *slog.Logger

	metrics metricSet
}

// Option configures an Engine.
type Option func(*Engine)

func WithIdentityRevoker(r IdentityRevoker) Option { return func(e *Engine) { e.revoker = r } }
func WithIdentityLister(l IdentityLister) Option   { return func(e *Engine) { e.identities = l } }
func WithCredentialRevoker(c CredentialRevoker) Option {
	return func(e *Engine) { e.creds = c }
}
func WithAuditLog(a AuditAppender) Option { return func(e *Engine) { e.audit = a } }
func WithAlpha(alpha float64) Option      { return func(e *Engine) { e.alpha = alpha } }
func WithDecay(rate float64, floor int) Option {
	return func(e *Engine) { e.decayRate = rate; e.decayFloor = floor }
}
func WithThresholds(revocation, warning int) Option {
	return func(e *Engine) { e.revocationThreshold = revocation; e.warningThreshold = warning }
}
func WithInitialScore(score int) Option { return func(e *Engine) { e.initialScore = score } }
func WithIdleAfter(d time.Duration) Option {
	return func(e *Engine) { e.idleAfter = d }
}
func WithWeights(w map[model.Dimension]float64) Option {
	return func(e *Engine) { e.weights = w }
}
func WithRevocationCallback(f RevocationCallback) Option {
	return func(e *Engine) { e.onRevocation = append(e.onRevocation, f) }
}
func WithWarningCallback(f WarningCallback) Option {
	return func(e *Engine) { e.onWarning = append(e.onWarning, f) }
}

// WithEventPublisher wires the explicit event bus so warning/revocation
// threshold crossings also broadcast to other mesh instances, not just
// this process's own onWarning/onRevocation callbacks.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithLogger overrides the logger used for best-effort event-bus
// publish failures. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs a Reward Engine backed by store, using the default
// weights, alpha, decay rate/floor, and thresholds unless overridden by
// an Option.
func New(store storage.Adapter, opts ...Option) *Engine {
	e := &Engine{
		store:               store,
		alpha:               0.1,
		decayRate:           2.0,
		decayFloor:          100,
		revocationThreshold: 300,
		warningThreshold:    500,
		initialScore:        500,
		idleAfter:           time.Hour,
		weights:             cloneWeights(model.DefaultWeights),
		metrics:             newMetricSet(),
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func cloneWeights(w map[model.Dimension]float64) map[model.Dimension]float64 {
	out := make(map[model.Dimension]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func validateWeights(w map[model.Dimension]float64) error {
	var sum float64
	for _, d := range model.AllDimensions {
		v, ok := w[d]
		if !ok {
			return agentmesherr.New(agentmesherr.KindInvalidWeights, "reward.validate_weights",
				fmt.Sprintf("missing weight for dimension %q", d))
		}
		if v < 0 {
			return agentmesherr.New(agentmesherr.KindInvalidWeights, "reward.validate_weights",
				fmt.Sprintf("weight for dimension %q must be non-negative", d))
		}
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return agentmesherr.New(agentmesherr.KindInvalidWeights, "reward.validate_weights",
			fmt.Sprintf("dimension weights must sum to 1.0, got %v", sum))
	}
	return nil
}

// UpdateWeights swaps the dimension weight table at runtime. The new
// table must cover every dimension and sum to 1.0+-1e-6; on failure the
// engine keeps its previous weights.
func (e *Engine) UpdateWeights(w map[model.Dimension]float64) error {
	if err := validateWeights(w); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights = cloneWeights(w)
	return nil
}

func (e *Engine) weightsSnapshot() map[model.Dimension]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneWeights(e.weights)
}

// composite computes the 0-1000 composite score from per-dimension
// states and the current weight table.
func composite(dims map[model.Dimension]model.DimensionState, weights map[model.Dimension]float64) int {
	var sum float64
	for _, d := range model.AllDimensions {
		sum += dims[d].Score * weights[d]
	}
	score := int(math.Round(sum * 10))
	if score < 0 {
		score = 0
	}
	if score > 1000 {
		score = 1000
	}
	return score
}

func (e *Engine) initialState(now time.Time) model.TrustScore {
	dims := make(map[model.Dimension]model.DimensionState, len(model.AllDimensions))
	perDim := float64(e.initialScore) / 10.0
	for _, d := range model.AllDimensions {
		dims[d] = model.DimensionState{Dimension: d, Score: perDim, Trend: "stable", LastSignalAt: now}
	}
	return model.TrustScore{
		TotalScore:     e.initialScore,
		Tier:           model.TierForScore(e.initialScore),
		Dimensions:     dims,
		CalculatedAt:   now,
		LastPositiveAt: now,
	}
}

func (e *Engine) get(ctx context.Context, did string) (model.TrustScore, error) {
	raw, ok, err := e.store.Get(ctx, keyScorePrefix+did)
	if err != nil {
		return model.TrustScore{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.get", "lookup failed", err)
	}
	if !ok {
		ts := e.initialState(time.Now().UTC())
		ts.AgentDID = did
		return ts, nil
	}
	var ts model.TrustScore
	if err := json.Unmarshal([]byte(raw), &ts); err != nil {
		return model.TrustScore{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.get", "corrupt record", err)
	}
	return ts, nil
}

func (e *Engine) persist(ctx context.Context, ts model.TrustScore) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "reward.persist", "marshal failed", err)
	}
	if err := e.store.Set(ctx, keyScorePrefix+ts.AgentDID, string(raw), 0); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.persist", "store failed", err)
	}
	if err := e.store.ZAdd(ctx, keyRanked, float64(ts.TotalScore), ts.AgentDID); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.persist", "rank index failed", err)
	}
	return nil
}

// GetScore returns an agent's current trust score, synthesizing the
// default initial state if none has been recorded yet.
func (e *Engine) GetScore(ctx context.Context, did string) (model.TrustScore, error) {
	return e.get(ctx, did)
}

// Signal folds one behavioral observation into its dimension's EMA,
// recomputes the composite score and tier, persists the result, and
// triggers warning/revocation side effects when thresholds are crossed.
func (e *Engine) Signal(ctx context.Context, sig model.RewardSignal) (model.TrustScore, error) {
	if sig.AgentDID == "" {
		return model.TrustScore{}, agentmesherr.New(agentmesherr.KindInvalidInput, "reward.signal", "agent_did is required")
	}
	if sig.Value < 0 || sig.Value > 1 {
		return model.TrustScore{}, agentmesherr.New(agentmesherr.KindInvalidInput, "reward.signal", "signal value must be in [0,1]")
	}
	valid := false
	for _, d := range model.AllDimensions {
		if d == sig.Dimension {
			valid = true
			break
		}
	}
	if !valid {
		return model.TrustScore{}, agentmesherr.New(agentmesherr.KindInvalidInput, "reward.signal", fmt.Sprintf("unknown dimension %q", sig.Dimension))
	}

	ts, err := e.get(ctx, sig.AgentDID)
	if err != nil {
		return model.TrustScore{}, err
	}
	ts.AgentDID = sig.AgentDID
	now := sig.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	state := ts.Dimensions[sig.Dimension]
	previous := state.Score
	state.Score = state.Score*(1-e.alpha) + sig.Value*100*e.alpha
	state.SignalCount++
	if sig.Value >= 0.5 {
		state.Positive++
	} else {
		state.Negative++
	}
	switch {
	case state.Score > previous+0.01:
		state.Trend = "rising"
	case state.Score < previous-0.01:
		state.Trend = "falling"
	default:
		state.Trend = "stable"
	}
	state.LastSignalAt = now
	ts.Dimensions[sig.Dimension] = state

	ts.PreviousScore = ts.TotalScore
	ts.TotalScore = composite(ts.Dimensions, e.weightsSnapshot())
	ts.Tier = model.TierForScore(ts.TotalScore)
	ts.CalculatedAt = now
	if ts.TotalScore > ts.PreviousScore {
		ts.LastPositiveAt = now
	}

	if err := e.persist(ctx, ts); err != nil {
		return model.TrustScore{}, err
	}

	e.metrics.observe(ts.AgentDID, sig.Dimension, state.Score, ts.TotalScore)

	if ts.TotalScore < e.revocationThreshold {
		if err := e.triggerRevocation(ctx, ts); err != nil {
			return ts, err
		}
	} else if ts.TotalScore < e.warningThreshold {
		for _, cb := range e.onWarning {
			cb(ctx, ts.AgentDID, ts)
		}
		e.publishScoreChange(ctx, ts, "warning")
	}

	return ts, nil
}

// publishScoreChange best-effort broadcasts a threshold crossing to the
// event bus; a publish failure is logged, never returned, since it must
// never turn a successful score update into a failed Signal call.
func (e *Engine) publishScoreChange(ctx context.Context, ts model.TrustScore, reason string) {
	if e.events == nil {
		return
	}
	err := e.events.PublishScoreChange(ctx, eventbus.ScoreChangeEvent{
		AgentDID:   ts.AgentDID,
		TotalScore: ts.TotalScore,
		Tier:       string(ts.Tier),
		Reason:     reason,
	})
	if err != nil && e.logger != nil {
		e.logger.Warn("reward: event bus publish failed", "agent_did", ts.AgentDID, "reason", reason, "error", err)
	}
}

func (e *Engine) triggerRevocation(ctx context.Context, ts model.TrustScore) error {
	e.metrics.revocations.Inc()

	if e.revoker != nil {
		if err := e.revoker.Revoke(ctx, ts.AgentDID, "trust score below revocation threshold"); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindUnavailable, "reward.trigger_revocation", "identity revocation failed", err)
		}
	}
	if e.creds != nil {
		if err := e.creds.RevokeAllForAgent(ctx, ts.AgentDID, nil, "trust score below revocation threshold"); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindUnavailable, "reward.trigger_revocation", "credential revocation failed", err)
		}
	}
	if e.audit != nil {
		if _, err := e.audit.Append(ctx, "reward.auto_revocation", ts.AgentDID, "auto_revoke", ts.AgentDID, map[string]any{
			"total_score": ts.TotalScore,
			"threshold":   e.revocationThreshold,
		}, "revoked"); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindUnavailable, "reward.trigger_revocation", "audit append failed", err)
		}
	}
	for _, cb := range e.onRevocation {
		cb(ctx, ts.AgentDID, ts)
	}
	e.publishScoreChange(ctx, ts, "auto_revocation")
	return nil
}

// Explain returns the weighted breakdown behind an agent's current
// composite score, for the explainability surface.
func (e *Engine) Explain(ctx context.Context, did string) (model.ScoreExplanation, error) {
	ts, err := e.get(ctx, did)
	if err != nil {
		return model.ScoreExplanation{}, err
	}
	weights := e.weightsSnapshot()
	contribution := make(map[model.Dimension]float64, len(model.AllDimensions))
	for _, d := range model.AllDimensions {
		contribution[d] = ts.Dimensions[d].Score * weights[d] * 10
	}
	return model.ScoreExplanation{
		AgentDID:     did,
		TotalScore:   ts.TotalScore,
		Tier:         ts.Tier,
		Dimensions:   ts.Dimensions,
		Weights:      weights,
		Contribution: contribution,
		Revoked:      ts.TotalScore < e.revocationThreshold,
	}, nil
}

// ListByTier returns every agent whose composite score falls in
// [min(tier), max(tier)], ordered ascending by score.
func (e *Engine) ListByTier(ctx context.Context, tier model.Tier) ([]model.TrustScore, error) {
	lo, hi := tierBounds(tier)
	members, err := e.store.ZRange(ctx, keyRanked, lo, hi)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.list_by_tier", "rank index lookup failed", err)
	}
	out := make([]model.TrustScore, 0, len(members))
	for _, m := range members {
		ts, err := e.get(ctx, m.Member)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalScore < out[j].TotalScore })
	return out, nil
}

// ListAboveScore returns every agent whose composite score is >=
// minScore, ordered descending by score. Used by the Protocol Bridge's
// get_trusted_peers operation, which filters on a raw score threshold
// rather than a symbolic tier.
func (e *Engine) ListAboveScore(ctx context.Context, minScore int) ([]model.TrustScore, error) {
	members, err := e.store.ZRange(ctx, keyRanked, float64(minScore), 1000)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.list_above_score", "rank index lookup failed", err)
	}
	out := make([]model.TrustScore, 0, len(members))
	for _, m := range members {
		ts, err := e.get(ctx, m.Member)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalScore > out[j].TotalScore })
	return out, nil
}

func tierBounds(tier model.Tier) (float64, float64) {
	switch tier {
	case model.TierUntrusted:
		return 0, 299
	case model.TierProbationary:
		return 300, 499
	case model.TierStandard:
		return 500, 699
	case model.TierTrusted:
		return 700, 899
	case model.TierVerifiedPartner:
		return 900, 1000
	default:
		return 0, 1000
	}
}

// ApplyDecay walks every active identity and decays the trust score of
// agents with no positive signal in longer than idleAfter (default 1h):
//
//	decay = min(decay_rate * hours_idle, max(0, total - floor))
//
// Idleness is measured from LastPositiveAt, not CalculatedAt: only a
// signal that raises the composite score resets the idle clock, so an
// agent fed a steady stream of negative signals still decays once it
// has gone idleAfter without a positive one. Decay is floor-bounded: a
// score never decays below decayFloor here, though a subsequent Signal
// can still drop it further.
func (e *Engine) ApplyDecay(ctx context.Context) error {
	if e.identities == nil {
		return nil
	}
	agents, err := e.identities.ListActive(ctx)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "reward.apply_decay", "active identity listing failed", err)
	}
	now := time.Now().UTC()
	for _, agent := range agents {
		ts, err := e.get(ctx, agent.DID)
		if err != nil {
			return err
		}
		lastPositive := ts.LastPositiveAt
		if lastPositive.IsZero() {
			continue
		}
		idle := now.Sub(lastPositive)
		if idle <= e.idleAfter {
			continue
		}
		hoursIdle := idle.Hours()
		decay := math.Min(e.decayRate*hoursIdle, math.Max(0, float64(ts.TotalScore-e.decayFloor)))
		if decay <= 0 {
			continue
		}
		ts.PreviousScore = ts.TotalScore
		ts.TotalScore -= int(math.Round(decay))
		if ts.TotalScore < 0 {
			ts.TotalScore = 0
		}
		ts.Tier = model.TierForScore(ts.TotalScore)
		ts.CalculatedAt = now
		if err := e.persist(ctx, ts); err != nil {
			return err
		}
		e.metrics.decays.Inc()
		if ts.TotalScore < e.revocationThreshold {
			if err := e.triggerRevocation(ctx, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// metricSet holds the engine's Prometheus collectors.
type metricSet struct {
	dimensionScore *prometheus.GaugeVec
	compositeScore *prometheus.GaugeVec
	revocations    prometheus.Counter
	decays         prometheus.Counter
}

func newMetricSet() metricSet {
	return metricSet{
		dimensionScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentmesh",
			Subsystem: "reward",
			Name:      "dimension_score",
			Help:      "Most recently observed per-dimension EMA score (0-100).",
		}, []string{"dimension"}),
		compositeScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentmesh",
			Subsystem: "reward",
			Name:      "composite_score",
			Help:      "Most recently computed composite trust score (0-1000).",
		}, []string{"agent_did"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "reward",
			Name:      "auto_revocations_total",
			Help:      "Total number of trust-driven automatic revocations.",
		}),
		decays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "reward",
			Name:      "decays_applied_total",
			Help:      "Total number of idle-decay applications.",
		}),
	}
}

func (m metricSet) observe(did string, dim model.Dimension, score float64, total int) {
	m.dimensionScore.WithLabelValues(string(dim)).Set(score)
	m.compositeScore.WithLabelValues(did).Set(float64(total))
}

// Collectors returns every Prometheus collector the engine maintains, for
// registration against the process-wide registry at wiring time.
func (e *Engine) Collectors() []prometheus.Collector {
	return []prometheus.Collector{e.metrics.dimensionScore, e.metrics.compositeScore, e.metrics.revocations, e.metrics.decays}
}
