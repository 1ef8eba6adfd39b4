// Package compliance implements the Compliance Mapper (C13): a static
// map from observed actions to named controls in external frameworks
// (SOC2, HIPAA, EU AI Act, GDPR, PCI-DSS, NIST AI RMF, ISO 42001), and
// periodic reports aggregating the violations found.
//
// Controls are loaded from a YAML file, one entry per control, and
// checked with the same gval boolean-expression dialect the Policy
// Engine evaluates rule conditions with — a condition evaluating true
// against an observed action is a violation, e.g.
// `data.contains_pii && !data.encrypted` for a HIPAA PHI-in-transit
// control.
package compliance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/PaesslerAG/gval"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/model"
)

// language is the boolean-expression dialect control conditions are
// parsed against — gval.Full() only; compliance conditions never need
// the Policy Engine's "in" list-membership operator, so there's no
// shared language value between the two packages.
var language = gval.Full()

// EventFilter narrows an EventSource.Query call.
type EventFilter struct {
	AgentDID string
	Since    time.Time
	Until    time.Time
}

// EventSource is the subset of the Audit Log generate_report reads
// historical events from.
type EventSource interface {
	Query(ctx context.Context, filter EventFilter, limit int) ([]model.AuditEntry, error)
}

// controlsFile mirrors the YAML representation of a control map: a
// top-level list, one entry per control.
type controlsFile struct {
	Controls []model.ComplianceControl `yaml:"controls"`
}

// LoadControls reads a control map from a YAML file on disk.
func LoadControls(path string) ([]model.ComplianceControl, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "compliance.load_controls", "open controls file", err)
	}
	defer f.Close()

	var parsed controlsFile
	if err := yaml.NewDecoder(f).Decode(&parsed); err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "compliance.load_controls", "decode controls file", err)
	}
	for _, c := range parsed.Controls {
		if c.Framework == "" || c.ControlID == "" || c.Condition == "" {
			return nil, agentmesherr.New(agentmesherr.KindPolicyMalformed, "compliance.load_controls",
				fmt.Sprintf("control %q missing framework, control_id, or condition", c.Name))
		}
	}
	return parsed.Controls, nil
}

// Mapper is the Compliance Mapper (C13).
type Mapper struct {
	controls []model.ComplianceControl
	events   EventSource
}

// New constructs a Mapper from an already-loaded control set. events is
// optional (nil disables GenerateReport, CheckCompliance still works).
func New(controls []model.ComplianceControl, events EventSource) *Mapper {
	return &Mapper{controls: controls, events: events}
}

// appliesTo reports whether a control inspects actions of actionType:
// an empty EventTypes list applies to every action type.
func appliesTo(c model.ComplianceControl, actionType string) bool {
	if len(c.EventTypes) == 0 {
		return true
	}
	for _, t := range c.EventTypes {
		if t == actionType {
			return true
		}
	}
	return false
}

func buildEnv(agentDID, actionType string, data map[string]any) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"agent_did":   agentDID,
		"action_type": actionType,
		"data":        data,
	}
}

// CheckCompliance evaluates every control applicable to actionType
// against context, returning one Violation per control whose condition
// evaluates true.
func (m *Mapper) CheckCompliance(ctx context.Context, agentDID, actionType string, data map[string]any) ([]model.Violation, error) {
	env := buildEnv(agentDID, actionType, data)
	now := time.Now().UTC()

	var violations []model.Violation
	for _, c := range m.controls {
		if !appliesTo(c, actionType) {
			continue
		}
		violated, err := m.evaluate(ctx, c.Condition, env)
		if err != nil {
			return nil, agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "compliance.check_compliance",
				fmt.Sprintf("control %s/%s condition", c.Framework, c.ControlID), err)
		}
		if violated {
			violations = append(violations, model.Violation{
				Framework:   c.Framework,
				ControlID:   c.ControlID,
				ControlName: c.Name,
				Severity:    c.Severity,
				AgentDID:    agentDID,
				ActionType:  actionType,
				Detail:      c.Description,
				Context:     data,
				DetectedAt:  now,
			})
		}
	}
	return violations, nil
}

func (m *Mapper) evaluate(ctx context.Context, condition string, env map[string]any) (bool, error) {
	eval, err := language.NewEvaluable(condition)
	if err != nil {
		return false, fmt.Errorf("malformed condition: %w", err)
	}
	value, err := eval(ctx, env)
	if err != nil {
		return false, err
	}
	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", condition)
	}
	return result, nil
}

// GenerateReport scans the Audit Log over [period start, period end],
// optionally narrowed to agents, running CheckCompliance against every
// entry's own event type and data, and aggregates the results. An empty
// framework scans controls from every framework; a non-empty one
// narrows both the scan and the report to that framework's controls.
func (m *Mapper) GenerateReport(ctx context.Context, framework string, periodStart, periodEnd time.Time, agents []string) (model.ComplianceReport, error) {
	if m.events == nil {
		return model.ComplianceReport{}, agentmesherr.New(agentmesherr.KindUnavailable, "compliance.generate_report", "no event source wired")
	}

	scoped := m
	if framework != "" {
		scoped = &Mapper{controls: filterFramework(m.controls, framework), events: m.events}
	}

	report := model.ComplianceReport{
		Framework:            framework,
		PeriodStart:          periodStart,
		PeriodEnd:            periodEnd,
		Agents:               agents,
		ViolationsBySeverity: make(map[string]int),
		GeneratedAt:          time.Now().UTC(),
	}

	if len(agents) == 0 {
		agents = []string{""}
	}
	for _, agentDID := range agents {
		entries, err := m.events.Query(ctx, EventFilter{AgentDID: agentDID, Since: periodStart, Until: periodEnd}, 0)
		if err != nil {
			return model.ComplianceReport{}, agentmesherr.Wrap(agentmesherr.KindStorageError, "compliance.generate_report", "event query failed", err)
		}
		for _, e := range entries {
			report.EventsScanned++
			violations, err := scoped.CheckCompliance(ctx, e.AgentDID, e.EventType, e.Data)
			if err != nil {
				return model.ComplianceReport{}, err
			}
			for _, v := range violations {
				report.Violations = append(report.Violations, v)
				report.ViolationsBySeverity[v.Severity]++
			}
		}
	}
	return report, nil
}

func filterFramework(controls []model.ComplianceControl, framework string) []model.ComplianceControl {
	var out []model.ComplianceControl
	for _, c := range controls {
		if c.Framework == framework {
			out = append(out, c)
		}
	}
	return out
}
