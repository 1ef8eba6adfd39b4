// Package proxy implements the Governance Proxy (C12): interposition on
// tool-invocation messages between an LLM client and a tool server.
// Every intercepted call is built into a policy context, evaluated by
// the Policy Engine, and the outcome both recorded to the Audit Log and
// fed back to the Reward Engine as a small trust signal — denied calls
// never reach the tool server at all.
package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/integrity"
	"github.com/agentmesh/mesh/internal/model"
)

// deniedErrorCode is the JSON-RPC-style error code returned to the
// client on a deny verdict, mirroring the -32000-range "server error"
// band reserved for application-defined errors.
const deniedErrorCode = -32001

// footerMarker is the fixed token every verification footer carries, so
// a client can grep for it to confirm a response passed through the
// proxy rather than being fabricated upstream.
const footerMarker = "AGENTMESH-VERIFIED"

// defaultFallbackScore is used when no trust history is available for
// an agent and no TrustScorer is wired at all; distinct from the Reward
// Engine's own initial-score default (500), since a proxy can run in
// front of a tool server with no reward engine behind it yet.
const defaultFallbackScore = 800

// allowSignalValue and denySignalValue are the policy_compliance EMA
// inputs fed to the Reward Engine on allow/deny, standing in for the
// "+1" / "-10 point" composite nudges: the engine has no raw
// point-delta primitive, only dimension EMA signals, so allow maps to a
// mild positive push and deny to the strongest available negative one.
const (
	allowSignalValue = 0.6
	denySignalValue  = 0.0
)

// PolicyEvaluator is the subset of the Policy Engine the proxy calls.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, agentDID string, agentTags []string, pctx model.PolicyContext) (model.PolicyDecision, error)
}

// TrustScorer is the subset of the Reward Engine the proxy reads the
// agent's current score from.
type TrustScorer interface {
	GetScore(ctx context.Context, did string) (model.TrustScore, error)
}

// RewardSignaler is the subset of the Reward Engine the proxy feeds an
// allow/deny outcome signal into.
type RewardSignaler interface {
	Signal(ctx context.Context, sig model.RewardSignal) (model.TrustScore, error)
}

// AuditAppender is the subset of the Audit Log the proxy records every
// outcome to.
type AuditAppender interface {
	Append(ctx context.Context, eventType, agentDID, action, resource string, data map[string]any, outcome string) (model.AuditEntry, error)
}

// ToolInvoker forwards an allowed call to the real tool server and
// returns its response. Implementations adapt whatever transport the
// tool server speaks (stdio, HTTP, another mcp-go client).
type ToolInvoker interface {
	Invoke(ctx context.Context, req model.ToolCallRequest) (model.ToolCallResult, error)
}

// Proxy is the Governance Proxy (C12).
type Proxy struct {
	policy  PolicyEvaluator
	scores  TrustScorer
	signals RewardSignaler
	audit   AuditAppender
	invoker    ToolInvoker
	policyName string
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithActivePolicyName sets the policy name reported in the
// verification footer. Defaults to "default".
func WithActivePolicyName(name string) Option {
	return func(p *Proxy) { p.policyName = name }
}

// New constructs a Governance Proxy.
func New(policy PolicyEvaluator, scores TrustScorer, signals RewardSignaler, audit AuditAppender, invoker ToolInvoker, opts ...Option) *Proxy {
	p := &Proxy{policy: policy, scores: scores, signals: signals, audit: audit, invoker: invoker, policyName: "default"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Intercept runs one tool-call request through the full C12 pipeline:
// build context, evaluate policy, deny-or-forward, record outcome.
func (p *Proxy) Intercept(ctx context.Context, req model.ToolCallRequest) (model.ToolCallResult, error) {
	score := p.currentScore(ctx, req.AgentDID)

	pctx, err := p.buildContext(req, score)
	if err != nil {
		return model.ToolCallResult{}, err
	}

	decision, err := p.policy.Evaluate(ctx, req.AgentDID, req.AgentTags, pctx)
	if err != nil {
		return model.ToolCallResult{}, agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "proxy.intercept", "policy evaluation failed", err)
	}

	if decision.Verdict == model.VerdictDeny {
		return p.deny(ctx, req, score, decision)
	}
	return p.allow(ctx, req, score, decision)
}

func (p *Proxy) currentScore(ctx context.Context, agentDID string) int {
	if p.scores == nil {
		return defaultFallbackScore
	}
	ts, err := p.scores.GetScore(ctx, agentDID)
	if err != nil {
		return defaultFallbackScore
	}
	return ts.TotalScore
}

func (p *Proxy) buildContext(req model.ToolCallRequest, score int) (model.PolicyContext, error) {
	argsHash, err := integrity.HashCanonical(req.Arguments)
	if err != nil {
		return model.PolicyContext{}, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "proxy.build_context", "argument hashing failed", err)
	}
	path, _ := req.Arguments["path"].(string)
	return model.PolicyContext{
		ActionType:      "tool_call",
		ActionTool:      req.ToolName,
		ActionPath:      path,
		ActionArgsHash:  argsHash,
		Resource:        req.ToolName,
		ContainsPII:     req.ContainsPII,
		Encrypted:       req.Encrypted,
		AgentDID:        req.AgentDID,
		AgentTrustScore: score,
	}, nil
}

func (p *Proxy) deny(ctx context.Context, req model.ToolCallRequest, score int, decision model.PolicyDecision) (model.ToolCallResult, error) {
	result := model.ToolCallResult{
		IsError:   true,
		ErrorCode: deniedErrorCode,
		Content:   fmt.Sprintf("denied by policy %q, rule %q: %s", decision.MatchedPolicy, decision.MatchedRule, decision.Reason),
		Data: map[string]any{
			"matched_policy": decision.MatchedPolicy,
			"matched_rule":   decision.MatchedRule,
		},
		Verdict: decision.Verdict,
	}

	if err := p.record(ctx, req, decision, "denied"); err != nil {
		return model.ToolCallResult{}, err
	}
	p.signal(ctx, req.AgentDID, denySignalValue)

	return p.withFooter(result, req.AgentDID, score), nil
}

func (p *Proxy) allow(ctx context.Context, req model.ToolCallRequest, score int, decision model.PolicyDecision) (model.ToolCallResult, error) {
	result, err := p.invoker.Invoke(ctx, req)
	if err != nil {
		return model.ToolCallResult{}, agentmesherr.Wrap(agentmesherr.KindTimeout, "proxy.allow", "tool server call failed", err)
	}
	result.Verdict = decision.Verdict

	if err := p.record(ctx, req, decision, "allowed"); err != nil {
		return model.ToolCallResult{}, err
	}
	p.signal(ctx, req.AgentDID, allowSignalValue)

	return p.withFooter(result, req.AgentDID, score), nil
}

func (p *Proxy) record(ctx context.Context, req model.ToolCallRequest, decision model.PolicyDecision, outcome string) error {
	if p.audit == nil {
		return nil
	}
	data := map[string]any{
		"tool":           req.ToolName,
		"verdict":        string(decision.Verdict),
		"matched_policy": decision.MatchedPolicy,
		"matched_rule":   decision.MatchedRule,
	}
	if _, err := p.audit.Append(ctx, "proxy.tool_call", req.AgentDID, req.ToolName, req.ToolName, data, outcome); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "proxy.record", "audit append failed", err)
	}
	return nil
}

func (p *Proxy) signal(ctx context.Context, agentDID string, value float64) {
	if p.signals == nil {
		return
	}
	// Best-effort: a reward-signal failure must never block the
	// already-decided tool-call outcome from reaching the caller.
	_, _ = p.signals.Signal(ctx, model.RewardSignal{
		AgentDID:  agentDID,
		Dimension: model.DimPolicyCompliance,
		Value:     value,
		Source:    "proxy",
	})
}

// withFooter appends the verification footer to text-mode (non-error)
// content: agent DID, current score, active policy name, fixed marker.
func (p *Proxy) withFooter(result model.ToolCallResult, agentDID string, score int) model.ToolCallResult {
	if result.IsError {
		return result
	}
	footer := fmt.Sprintf("\n\n--- %s: agent=%s trust_score=%d policy=%s ---", footerMarker, agentDID, score, p.policyName)
	if strings.Contains(result.Content, footerMarker) {
		return result
	}
	result.Content += footer
	result.FooterApplied = true
	return result
}
