package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/model"
)

// policiesFile mirrors the YAML representation of a policy set: a
// top-level list, one entry per policy.
type policiesFile struct {
	Policies []model.Policy `yaml:"policies"`
}

// LoadPolicies reads a set of policies from a YAML file on disk. It
// validates structure (every rule condition parses against this
// package's gval dialect) but does not install them — call Put for
// each returned policy.
func LoadPolicies(path string) ([]model.Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindInvalidInput, "policy.load_policies", "open policy file", err)
	}
	defer f.Close()

	var parsed policiesFile
	if err := yaml.NewDecoder(f).Decode(&parsed); err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "policy.load_policies", "decode policy file", err)
	}
	for _, p := range parsed.Policies {
		if p.Name == "" || p.Selector == "" {
			return nil, agentmesherr.New(agentmesherr.KindPolicyMalformed, "policy.load_policies",
				fmt.Sprintf("policy %q missing name or agent selector", p.Name))
		}
		for _, rule := range p.Rules {
			if rule.Condition == "" {
				continue
			}
			if _, err := language.NewEvaluable(rule.Condition); err != nil {
				return nil, agentmesherr.Wrap(agentmesherr.KindPolicyMalformed, "policy.load_policies",
					fmt.Sprintf("policy %q rule %q condition", p.Name, rule.Name), err)
			}
		}
	}
	return parsed.Policies, nil
}
