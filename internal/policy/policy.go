// Package policy implements the Policy Engine (C7): declarative rule
// evaluation over a request context, producing an allow/deny/warn/
// require_approval/log verdict.
//
// Rule conditions are boolean expressions (gval.Full, extended with an
// "in" operator) evaluated against model.PolicyContext.ToExprEnv(), so
// a rule author writes `agent.trust_score < 400 and data.contains_pii`
// directly rather than against any Go-specific AST. A rule's attached
// rate limit is enforced through internal/ratelimit, keyed by
// (policy, rule, agent_did) via ratelimit.PolicyRule.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/gval"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/ratelimit"
)

// language is the gval dialect rule conditions are parsed against:
// arithmetic, text, propositional logic, and bitmask from gval.Full,
// plus an "in" infix operator for list-membership checks (
// step 3's expression grammar names `in` as a required comparison).
var language = gval.NewLanguage(
	gval.Full(),
	gval.InfixOperator("in", inOperator),
)

func inOperator(a, b any) (any, error) {
	list, ok := b.([]any)
	if !ok {
		if strs, ok := b.([]string); ok {
			for _, s := range strs {
				if fmt.Sprint(a) == s {
					return true, nil
				}
			}
			return false, nil
		}
		return nil, fmt.Errorf("policy: right-hand side of 'in' must be a list, got %T", b)
	}
	for _, item := range list {
		if fmt.Sprint(item) == fmt.Sprint(a) {
			return true, nil
		}
	}
	return false, nil
}

// RateLimiter is the subset of ratelimit.Limiter the engine needs.
type RateLimiter interface {
	Allow(ctx context.Context, rule ratelimit.Rule, key string) ratelimit.Result
}

// Engine is the Policy Engine (C7).
type Engine struct {
	mu       sync.RWMutex
	policies map[string]model.Policy // name -> policy
	limiter  RateLimiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithRateLimiter attaches the limiter backing RateLimit clauses. Without
// one, rules carrying a RateLimit are evaluated as if always within
// budget (never forced to deny).
func WithRateLimiter(l RateLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// New constructs an empty Policy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{policies: map[string]model.Policy{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Put installs or replaces a policy by name.
func (e *Engine) Put(p model.Policy) error {
	for _, rule := range p.Rules {
		if rule.Condition == "" {
			continue
		}
		if _, err := language.NewEvaluable(rule.Condition); err != nil {
			return agentmesherr.New(agentmesherr.KindPolicyMalformed, "policy.put",
				fmt.Sprintf("rule %q: malformed condition: %v", rule.Name, err))
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = p
	return nil
}

// Remove deletes a policy by name.
func (e *Engine) Remove(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, name)
}

// applicablePolicies returns every policy whose selector matches
// agentDID or one of agentTags, in a deterministic order (policy name).
func (e *Engine) applicablePolicies(agentDID string, agentTags []string) []model.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Policy
	for _, p := range e.policies {
		if selectorMatches(p.Selector, agentDID, agentTags) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func selectorMatches(selector, agentDID string, agentTags []string) bool {
	if selector == "*" || selector == "" {
		return true
	}
	if strings.HasPrefix(selector, "tag:") {
		tag := strings.TrimPrefix(selector, "tag:")
		for _, t := range agentTags {
			if t == tag {
				return true
			}
		}
		return false
	}
	for _, did := range strings.Split(selector, ",") {
		if strings.TrimSpace(did) == agentDID {
			return true
		}
	}
	return false
}

// Evaluate runs every applicable policy against pctx: within each
// policy, rules are tried in descending priority and the first match
// wins; across policies, the most restrictive verdict wins.
func (e *Engine) Evaluate(ctx context.Context, agentDID string, agentTags []string, pctx model.PolicyContext) (model.PolicyDecision, error) {
	policies := e.applicablePolicies(agentDID, agentTags)
	if len(policies) == 0 {
		return model.PolicyDecision{Verdict: model.VerdictAllow, Allowed: true, Reason: "no applicable policy"}, nil
	}

	env := pctx.ToExprEnv()
	best := model.PolicyDecision{Verdict: model.VerdictAllow, Allowed: true}
	haveDecision := false
	var warnings []string

	for _, p := range policies {
		decision, err := e.evaluatePolicy(ctx, p, agentDID, env)
		if err != nil {
			return model.PolicyDecision{}, err
		}
		warnings = append(warnings, decision.Warnings...)
		if !haveDecision || model.MoreRestrictive(decision.Verdict, best.Verdict) {
			best = decision
			haveDecision = true
		}
	}
	best.Warnings = warnings
	best.Allowed = best.Verdict == model.VerdictAllow || best.Verdict == model.VerdictLog || best.Verdict == model.VerdictWarn
	return best, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, p model.Policy, agentDID string, env map[string]any) (model.PolicyDecision, error) {
	rules := make([]model.PolicyRule, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		matched, err := e.conditionMatches(ctx, rule.Condition, env)
		if err != nil {
			return model.PolicyDecision{}, err
		}
		if !matched {
			continue
		}

		verdict := rule.Verdict
		if rule.RateLimit != nil && e.limiter != nil {
			window, err := time.ParseDuration(rule.RateLimit.Window)
			if err != nil {
				return model.PolicyDecision{}, agentmesherr.New(agentmesherr.KindPolicyMalformed, "policy.evaluate",
					fmt.Sprintf("rule %q: malformed rate limit window %q", rule.Name, rule.RateLimit.Window))
			}
			res := e.limiter.Allow(ctx, ratelimit.PolicyRule(p.Name, rule.Name, rule.RateLimit.Limit, window), agentDID)
			if !res.Allowed {
				verdict = model.VerdictDeny
			}
		}

		return model.PolicyDecision{
			Verdict:       verdict,
			MatchedPolicy: p.Name,
			MatchedRule:   rule.Name,
			Reason:        fmt.Sprintf("matched rule %q in policy %q", rule.Name, p.Name),
		}, nil
	}

	verdict := p.DefaultVerdict
	if verdict == "" {
		verdict = model.VerdictAllow
	}
	return model.PolicyDecision{Verdict: verdict, MatchedPolicy: p.Name, Reason: "no rule matched, applied default_verdict"}, nil
}

func (e *Engine) conditionMatches(ctx context.Context, condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	eval, err := language.NewEvaluable(condition)
	if err != nil {
		return false, agentmesherr.New(agentmesherr.KindPolicyMalformed, "policy.evaluate", "malformed condition: "+err.Error())
	}
	result, err := eval(ctx, env)
	if err != nil {
		return false, agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "policy.evaluate", "condition evaluation failed", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, agentmesherr.New(agentmesherr.KindPolicyMalformed, "policy.evaluate", "condition did not evaluate to a boolean")
	}
	return b, nil
}
