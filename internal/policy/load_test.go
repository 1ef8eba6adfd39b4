package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicies_ParsesValidFile(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: default-deny-pii
    agent: "*"
    rules:
      - name: deny-unencrypted-pii
        condition: "action.contains_pii && !action.encrypted"
        action: deny
        priority: 10
`)
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "default-deny-pii", policies[0].Name)
	assert.Equal(t, "*", policies[0].Selector)
	assert.Len(t, policies[0].Rules, 1)
}

func TestLoadPolicies_ErrorsOnMissingName(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - agent: "*"
    rules: []
`)
	_, err := LoadPolicies(path)
	assert.Error(t, err)
}

func TestLoadPolicies_ErrorsOnMalformedCondition(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  - name: broken
    agent: "*"
    rules:
      - name: bad
        condition: "action.contains_pii &&&"
        action: deny
`)
	_, err := LoadPolicies(path)
	assert.Error(t, err)
}

func TestLoadPolicies_ErrorsOnMissingFile(t *testing.T) {
	_, err := LoadPolicies(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
