// Package shadow implements the Shadow Evaluator (C8): a second policy
// rule set run in parallel against every production decision, purely
// for measuring divergence before a proposed rule set goes live. It
// never influences the production verdict: the shadow evaluation always
// runs detached from the caller's request, after the production verdict
// has already been computed and is on its way back to the caller.
package shadow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/integrity"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

const (
	keyTotal    = "shadow:sample:total"
	keyDiverged = "shadow:sample:diverged"
	keyLog      = "shadow:log"
)

// Engine is the subset of *policy.Engine the shadow evaluator needs,
// named here to avoid an import of internal/policy's full surface (and
// any import-cycle risk if policy ever needs shadow-awareness).
type Engine interface {
	Evaluate(ctx context.Context, agentDID string, agentTags []string, pctx model.PolicyContext) (model.PolicyDecision, error)
}

// Evaluator is the Shadow Evaluator (C8).
type Evaluator struct {
	shadow Engine
	store  storage.Adapter
	logger func(err error) // best-effort error sink for the detached goroutine
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithErrorLogger registers a callback invoked if the shadow evaluation
// itself errors out (e.g. a malformed shadow rule set). Defaults to a
// no-op, since a shadow failure must never propagate to the caller.
func WithErrorLogger(f func(err error)) Option {
	return func(e *Evaluator) { e.logger = f }
}

// New constructs a shadow Evaluator. shadowEngine holds the candidate
// rule set under evaluation; store records divergence samples.
func New(shadowEngine Engine, store storage.Adapter, opts ...Option) *Evaluator {
	e := &Evaluator{shadow: shadowEngine, store: store, logger: func(error) {}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// sample is one recorded divergence observation.
type sample struct {
	ContextHash      string        `json:"context_hash"`
	ProductionVerdict model.Verdict `json:"production_verdict"`
	ShadowVerdict     model.Verdict `json:"shadow_verdict"`
	Diverged          bool          `json:"diverged"`
	RecordedAt        time.Time     `json:"recorded_at"`
}

// Observe records how the shadow rule set would have decided against
// the same context the production engine already decided on, without
// blocking the caller or the production decision in any way. Call this
// after the production verdict has been returned/acted on.
func (e *Evaluator) Observe(ctx context.Context, agentDID string, agentTags []string, pctx model.PolicyContext, production model.PolicyDecision) {
	detached := context.WithoutCancel(ctx)
	go func() {
		shadowDecision, err := e.shadow.Evaluate(detached, agentDID, agentTags, pctx)
		if err != nil {
			e.logger(agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "shadow.observe", "shadow evaluation failed", err))
			return
		}
		if err := e.record(detached, pctx, production.Verdict, shadowDecision.Verdict); err != nil {
			e.logger(err)
		}
	}()
}

func (e *Evaluator) record(ctx context.Context, pctx model.PolicyContext, production, shadowVerdict model.Verdict) error {
	hash, err := integrity.HashCanonical(pctx)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "shadow.record", "context hash failed", err)
	}
	diverged := production != shadowVerdict

	s := sample{
		ContextHash:       hash,
		ProductionVerdict: production,
		ShadowVerdict:     shadowVerdict,
		Diverged:          diverged,
		RecordedAt:        time.Now().UTC(),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "shadow.record", "marshal failed", err)
	}
	if err := e.store.RPush(ctx, keyLog, string(raw)); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "shadow.record", "log append failed", err)
	}

	if _, err := e.store.Incr(ctx, keyTotal, 1); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "shadow.record", "counter increment failed", err)
	}
	if diverged {
		if _, err := e.store.Incr(ctx, keyDiverged, 1); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindStorageError, "shadow.record", "counter increment failed", err)
		}
	}
	return nil
}

// DivergenceRatio returns diverged/total over every sample recorded
// since the last Reset.
func (e *Evaluator) DivergenceRatio(ctx context.Context) (float64, error) {
	total, err := e.counterValue(ctx, keyTotal)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	diverged, err := e.counterValue(ctx, keyDiverged)
	if err != nil {
		return 0, err
	}
	return diverged / total, nil
}

// counterValue reads a counter's current value without mutating it, by
// incrementing it with a zero delta — the Storage Adapter's Incr/Decr
// primitives have no separate read accessor.
func (e *Evaluator) counterValue(ctx context.Context, key string) (float64, error) {
	v, err := e.store.Incr(ctx, key, 0)
	if err != nil {
		return 0, agentmesherr.Wrap(agentmesherr.KindStorageError, "shadow.counter_value", "lookup failed", err)
	}
	return v, nil
}

// ProductionReady reports whether the divergence ratio over the current
// sample window is below threshold ("production-ready when divergence
// < 2%" by default, configurable here via threshold).
func (e *Evaluator) ProductionReady(ctx context.Context, threshold float64) (bool, error) {
	ratio, err := e.DivergenceRatio(ctx)
	if err != nil {
		return false, err
	}
	return ratio < threshold, nil
}

// Reset clears the sample window counters (but not the detailed log),
// typically called at the start of a new evaluation window.
func (e *Evaluator) Reset(ctx context.Context) error {
	if err := e.store.Delete(ctx, keyTotal); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "shadow.reset", "delete failed", err)
	}
	if err := e.store.Delete(ctx, keyDiverged); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "shadow.reset", "delete failed", err)
	}
	return nil
}
