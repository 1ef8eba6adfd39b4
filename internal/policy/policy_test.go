package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/model"
)

func TestEvaluate_NoApplicablePolicyAllows(t *testing.T) {
	ctx := context.Background()
	e := New()

	decision, err := e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAllow, decision.Verdict)
	assert.True(t, decision.Allowed)
}

func TestEvaluate_MatchesHighestPriorityRuleFirst(t *testing.T) {
	ctx := context.Background()
	e := New()
	require.NoError(t, e.Put(model.Policy{
		Name:     "pii-guard",
		Selector: "*",
		Rules: []model.PolicyRule{
			{Name: "low-priority-allow", Condition: "true", Verdict: model.VerdictAllow, Priority: 1},
			{Name: "deny-pii", Condition: "data.contains_pii == true", Verdict: model.VerdictDeny, Priority: 10},
		},
		DefaultVerdict: model.VerdictAllow,
	}))

	decision, err := e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{ContainsPII: true})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, decision.Verdict)
	assert.Equal(t, "deny-pii", decision.MatchedRule)
	assert.False(t, decision.Allowed)
}

func TestEvaluate_FallsBackToDefaultVerdictWhenNoRuleMatches(t *testing.T) {
	ctx := context.Background()
	e := New()
	require.NoError(t, e.Put(model.Policy{
		Name:           "default-warn",
		Selector:       "*",
		Rules:          []model.PolicyRule{{Name: "never", Condition: "false", Verdict: model.VerdictDeny}},
		DefaultVerdict: model.VerdictWarn,
	}))

	decision, err := e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictWarn, decision.Verdict)
}

func TestEvaluate_MostRestrictiveVerdictWinsAcrossPolicies(t *testing.T) {
	ctx := context.Background()
	e := New()
	require.NoError(t, e.Put(model.Policy{
		Name: "a-allow", Selector: "*",
		Rules: []model.PolicyRule{{Name: "r", Condition: "true", Verdict: model.VerdictAllow, Priority: 1}},
	}))
	require.NoError(t, e.Put(model.Policy{
		Name: "b-deny", Selector: "*",
		Rules: []model.PolicyRule{{Name: "r", Condition: "true", Verdict: model.VerdictDeny, Priority: 1}},
	}))

	decision, err := e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, decision.Verdict)
}

func TestEvaluate_SelectorByTagOnly(t *testing.T) {
	ctx := context.Background()
	e := New()
	require.NoError(t, e.Put(model.Policy{
		Name:     "finance-only",
		Selector: "tag:finance",
		Rules:    []model.PolicyRule{{Name: "r", Condition: "true", Verdict: model.VerdictDeny, Priority: 1}},
	}))

	decision, err := e.Evaluate(ctx, "did:mesh:a", []string{"finance"}, model.PolicyContext{})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, decision.Verdict)

	decision, err = e.Evaluate(ctx, "did:mesh:a", []string{"ops"}, model.PolicyContext{})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAllow, decision.Verdict)
}

func TestEvaluate_InOperatorOverCapabilityList(t *testing.T) {
	ctx := context.Background()
	e := New()
	require.NoError(t, e.Put(model.Policy{
		Name:     "writer-warn",
		Selector: "*",
		Rules: []model.PolicyRule{
			{Name: "warn-writers", Condition: `"write:documents" in agent.capabilities`, Verdict: model.VerdictWarn, Priority: 1},
		},
	}))

	decision, err := e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{AgentCapabilities: []string{"write:documents"}})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictWarn, decision.Verdict)
}

func TestPut_RejectsMalformedCondition(t *testing.T) {
	e := New()
	err := e.Put(model.Policy{
		Name:     "broken",
		Selector: "*",
		Rules:    []model.PolicyRule{{Name: "bad", Condition: "agent.trust_score ===", Verdict: model.VerdictDeny}},
	})
	require.Error(t, err)
	kind, ok := agentmesherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agentmesherr.KindPolicyMalformed, kind)
}

func TestEvaluate_CompoundAndOrOperators(t *testing.T) {
	ctx := context.Background()
	e := New()
	require.NoError(t, e.Put(model.Policy{
		Name:     "compound",
		Selector: "*",
		Rules: []model.PolicyRule{
			{Name: "risky", Condition: "data.contains_pii == true and agent.trust_score < 500", Verdict: model.VerdictDeny, Priority: 1},
		},
		DefaultVerdict: model.VerdictAllow,
	}))

	decision, err := e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{ContainsPII: true, AgentTrustScore: 900})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictAllow, decision.Verdict)

	decision, err = e.Evaluate(ctx, "did:mesh:a", nil, model.PolicyContext{ContainsPII: true, AgentTrustScore: 200})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDeny, decision.Verdict)
}
