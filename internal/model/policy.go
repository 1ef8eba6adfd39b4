package model

// Verdict is a policy decision kind. Restrictiveness order (most to least):
// Deny > RequireApproval > Warn > Log > Allow.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictWarn            Verdict = "warn"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictLog             Verdict = "log"
)

// verdictRank orders verdicts by restrictiveness; higher wins when
// merging decisions across policies.
var verdictRank = map[Verdict]int{
	VerdictAllow:           0,
	VerdictLog:             1,
	VerdictWarn:            2,
	VerdictRequireApproval: 3,
	VerdictDeny:            4,
}

// MoreRestrictive reports whether a is strictly more restrictive than b.
func MoreRestrictive(a, b Verdict) bool {
	return verdictRank[a] > verdictRank[b]
}

// RateLimit attaches an "N per window" cap to a rule.
type RateLimit struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"` // e.g. "1m", "1h"; parsed with time.ParseDuration
}

// PolicyRule is one named, prioritized, conditional verdict.
type PolicyRule struct {
	Name       string     `json:"name"`
	Condition  string     `json:"condition"` // boolean expression, evaluated by internal/policy
	Verdict    Verdict    `json:"action"`
	RateLimit  *RateLimit `json:"limit,omitempty"`
	Priority   int        `json:"priority"`
	Approvers  []string   `json:"approvers,omitempty"`
	Tags       []string   `json:"tags,omitempty"` // compliance-framework refinement, see internal/compliance
}

// Policy is a named collection of rules plus a selector naming which agents
// it applies to: a literal DID, a tag (prefixed "tag:"), or "*" for all.
type Policy struct {
	Version        string       `json:"version"`
	Name           string       `json:"name"`
	Selector       string       `json:"agent"`
	Rules          []PolicyRule `json:"rules"`
	DefaultVerdict Verdict      `json:"default_verdict,omitempty"`
}

// PolicyContext is the structured record evaluated against rule conditions.
// Unknown fields needed by a deployment-specific rule flow through Extensions.
type PolicyContext struct {
	ActionType    string         `json:"action_type"`
	ActionTool    string         `json:"action_tool"`
	ActionPath    string         `json:"action_path"`
	ActionArgsHash string        `json:"action_args_hash"`
	Resource      string         `json:"resource"`
	ContainsPII   bool           `json:"contains_pii"`
	Encrypted     bool           `json:"encrypted"`
	AgentDID      string         `json:"agent_did"`
	AgentTrustScore int          `json:"agent_trust_score"`
	AgentCapabilities []string   `json:"agent_capabilities"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// ToExprEnv flattens the context into the variable environment the
// condition-expression evaluator (internal/policy, backed by gval) expects:
// a nested map addressable as action.type, action.tool, agent.trust_score,
// data.contains_pii, etc.
func (c PolicyContext) ToExprEnv() map[string]any {
	env := map[string]any{
		"action": map[string]any{
			"type":      c.ActionType,
			"tool":      c.ActionTool,
			"path":      c.ActionPath,
			"args_hash": c.ActionArgsHash,
		},
		"resource": c.Resource,
		"data": map[string]any{
			"contains_pii": c.ContainsPII,
			"encrypted":    c.Encrypted,
		},
		"agent": map[string]any{
			"did":          c.AgentDID,
			"trust_score":  c.AgentTrustScore,
			"capabilities": c.AgentCapabilities,
		},
	}
	if c.UserContext != nil {
		env["user_context"] = c.UserContext
	}
	for k, v := range c.Extensions {
		env[k] = v
	}
	return env
}

// PolicyDecision is the result of evaluating all applicable policies against
// a context.
type PolicyDecision struct {
	Verdict      Verdict  `json:"verdict"`
	Allowed      bool     `json:"allowed"`
	MatchedPolicy string  `json:"matched_policy,omitempty"`
	MatchedRule  string   `json:"matched_rule,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}
