package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

const publicBucketPolicy = `package vahti

import rego.v1

deny contains entry if {
	input.resource.type == "bucket"
	some binding in input.iam_policy.bindings
	some member in binding.members
	member == "allUsers"
	entry := {"reason": "bucket grants access to allUsers", "role": binding.role}
}
`

func writeBundle(t *testing.T, policies map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range policies {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestRegoScanner_DenyProducesViolation(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"public_bucket.rego": publicBucketPolicy})
	sc, err := NewRegoScanner(context.Background(), bundle)
	require.NoError(t, err)

	_, g := buildModel(t, []seed{
		{resource(types.TypeBucket, "bucket/public", "", ""), &types.IAMPolicy{
			Bindings: []types.Binding{
				{Role: "roles/storage.objectViewer", Members: []types.Member{"allUsers"}},
			},
		}},
		{resource(types.TypeBucket, "bucket/private", "", ""), &types.IAMPolicy{
			Bindings: []types.Binding{
				{Role: "roles/storage.objectViewer", Members: []types.Member{"user:ok@example.com"}},
			},
		}},
	})

	violations := collectViolations(t, sc, g)
	require.Len(t, violations, 1)
	assert.Equal(t, "public", violations[0].ResourceID)
	assert.Equal(t, "public_bucket", violations[0].RuleName)
	assert.Equal(t, ViolationTypeRego, violations[0].ViolationType)
	assert.Contains(t, string(violations[0].Data), "allUsers")
}

func TestRegoScanner_DeterministicHashes(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"public_bucket.rego": publicBucketPolicy})
	sc, err := NewRegoScanner(context.Background(), bundle)
	require.NoError(t, err)

	_, g := buildModel(t, []seed{
		{resource(types.TypeBucket, "bucket/public", "", ""), &types.IAMPolicy{
			Bindings: []types.Binding{
				{Role: "roles/storage.objectViewer", Members: []types.Member{"allUsers"}},
			},
		}},
	})

	first := collectViolations(t, sc, g)
	second := collectViolations(t, sc, g)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Hash(), second[0].Hash())
}

func TestRegoScanner_CompileFailureIsFatal(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"broken.rego": "this is not rego {"})
	_, err := NewRegoScanner(context.Background(), bundle)
	assert.Error(t, err)
}

func TestRegoScanner_MissingBundleIsFatal(t *testing.T) {
	_, err := NewRegoScanner(context.Background(), "/does/not/exist")
	assert.Error(t, err)
}

func TestRegoScanner_EmptyBundleIsFatal(t *testing.T) {
	_, err := NewRegoScanner(context.Background(), t.TempDir())
	assert.Error(t, err)
}
