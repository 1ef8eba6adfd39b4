package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestHashCanonical_Deterministic(t *testing.T) {
	v1 := map[string]any{"x": "y", "n": 1}
	v2 := map[string]any{"n": 1, "x": "y"}
	h1, err := HashCanonical(v1)
	require.NoError(t, err)
	h2, err := HashCanonical(v2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashCanonical_FieldChangeChangesHash(t *testing.T) {
	h1, err := HashCanonical(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := HashCanonical(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestBuildMerkleRoot(t *testing.T) {
	assert.Equal(t, "", BuildMerkleRoot(nil))
	assert.Equal(t, "leaf1", BuildMerkleRoot([]string{"leaf1"}))

	root2 := BuildMerkleRoot([]string{"a", "b"})
	root2Again := BuildMerkleRoot([]string{"a", "b"})
	assert.Equal(t, root2, root2Again)

	rootOdd := BuildMerkleRoot([]string{"a", "b", "c"})
	assert.NotEmpty(t, rootOdd)
	assert.NotEqual(t, root2, rootOdd)
}

func TestBuildMerkleRoot_OrderSensitive(t *testing.T) {
	ab := BuildMerkleRoot([]string{"a", "b"})
	ba := BuildMerkleRoot([]string{"b", "a"})
	assert.NotEqual(t, ab, ba)
}
