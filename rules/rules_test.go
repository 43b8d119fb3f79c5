package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

const sampleRules = `rules:
  - name: only-corp-owners
    mode: whitelist
    resource:
      - type: project
        resource_ids: ["*"]
    role: roles/owner
    members:
      - "user:admin@example.com"
      - "group:owners@example.com"
  - name: no-public-members
    mode: blacklist
    resource:
      - type: bucket
        resource_ids: ["logs-bucket", "data-bucket"]
    members:
      - "allUsers"
      - "allAuthenticatedUsers"
  - name: deletion-lien
    mode: required
    resource:
      - type: project
        resource_ids: ["prod-1"]
    restrictions:
      - "resourcemanager.projects.delete"
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ParsesRules(t *testing.T) {
	set, err := Load(writeRules(t, sampleRules))
	require.NoError(t, err)
	require.Len(t, set.Rules, 3)

	assert.Equal(t, "only-corp-owners", set.Rules[0].Name)
	assert.Equal(t, ModeWhitelist, set.Rules[0].Mode)
	assert.Equal(t, "roles/owner", set.Rules[0].Role)
	assert.Equal(t, ModeRequired, set.Rules[2].Mode)
}

func TestLoad_ParseFailureIsFatal(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"not yaml", "rules: [}"},
		{"unknown field", "rules:\n  - name: r\n    mode: whitelist\n    typo_field: x\n"},
		{"bad mode", "rules:\n  - name: r\n    mode: greylist\n    resource:\n      - type: project\n        resource_ids: [\"*\"]\n    members: [\"allUsers\"]\n"},
		{"no selector", "rules:\n  - name: r\n    mode: whitelist\n    members: [\"allUsers\"]\n"},
		{"duplicate names", "rules:\n  - name: r\n    mode: whitelist\n    resource:\n      - type: project\n        resource_ids: [\"*\"]\n    members: [\"allUsers\"]\n  - name: r\n    mode: whitelist\n    resource:\n      - type: project\n        resource_ids: [\"*\"]\n    members: [\"allUsers\"]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeRules(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestSelector_WildcardMatchesEveryID(t *testing.T) {
	s := Selector{Type: types.TypeProject, ResourceIDs: []string{"*"}}

	assert.True(t, s.Matches(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/p1"}))
	assert.True(t, s.Matches(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/anything"}))
	assert.False(t, s.Matches(types.Resource{Type: types.TypeBucket, FullName: "organization/1/project/p1/bucket/b1"}),
		"wildcard never crosses types")
}

func TestSelector_ExplicitIDsMatchOnlyListed(t *testing.T) {
	s := Selector{Type: types.TypeProject, ResourceIDs: []string{"prod-1", "prod-2"}}

	assert.True(t, s.Matches(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/prod-1"}))
	assert.False(t, s.Matches(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/dne"}))
	assert.False(t, s.Matches(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/prod-10"}),
		"id matching is exact, not prefix")
}

func TestRule_AppliesToAnySelector(t *testing.T) {
	r := Rule{
		Name: "multi",
		Mode: ModeBlacklist,
		Resource: []Selector{
			{Type: types.TypeProject, ResourceIDs: []string{"p1"}},
			{Type: types.TypeBucket, ResourceIDs: []string{"*"}},
		},
		Members: []string{"allUsers"},
	}

	assert.True(t, r.AppliesTo(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/p1"}))
	assert.True(t, r.AppliesTo(types.Resource{Type: types.TypeBucket, FullName: "organization/1/project/x/bucket/any"}))
	assert.False(t, r.AppliesTo(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/p2"}))
}

func TestMatchMember(t *testing.T) {
	cases := []struct {
		pattern string
		member  types.Member
		want    bool
	}{
		{"user:alice@example.com", "user:alice@example.com", true},
		{"user:alice@example.com", "user:alice@example.co", false},
		{"user:alice@example.com", "group:alice@example.com", false},
		{"*", "serviceAccount:x@y.iam.gserviceaccount.com", true},
		{"user:*", "user:anyone@example.com", true},
		{"user:*", "group:anyone@example.com", false},
		{"allUsers", "allUsers", true},
		{"allUsers", "allAuthenticatedUsers", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchMember(tc.pattern, tc.member), "%s vs %s", tc.pattern, tc.member)
	}
}

func TestSet_ForResourceKeepsRuleIndex(t *testing.T) {
	set, err := Parse([]byte(sampleRules), "test")
	require.NoError(t, err)

	matched := set.ForResource(types.Resource{Type: types.TypeProject, FullName: "organization/1/project/prod-1"})
	require.Len(t, matched, 2)
	assert.Equal(t, 0, matched[0].Index)
	assert.Equal(t, "only-corp-owners", matched[0].Rule.Name)
	assert.Equal(t, 2, matched[1].Index)
	assert.Equal(t, "deletion-lien", matched[1].Rule.Name)
}
