package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/progress"
	"github.com/yairfalse/vahti/types"
)

func writeDump(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))
	return path
}

func TestExportSource_ConvertsLines(t *testing.T) {
	dump := writeDump(t, `{"name":"organization/1","asset_type":"organization","resource":{"displayName":"acme"},"iam_policy":{"bindings":[{"role":"roles/owner","members":["user:alice@example.com"]}]}}
{"name":"organization/1/project/p1","asset_type":"project","resource":{"projectNumber":"42"}}
{"name":"organization/1/project/p1/bucket/b1","asset_type":"bucket","resource":{"location":"EU"}}
`)

	src := NewExportSource(progress.NewFirstMessageReporter(), dump)
	items, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, items, 3)

	org := items[0]
	assert.Equal(t, types.TypeOrganization, org.Resource.Type)
	assert.Equal(t, "organization/1", org.Resource.FullName)
	assert.Equal(t, "", org.Resource.Parent)
	require.NotNil(t, org.Policy)
	assert.Equal(t, "roles/owner", org.Policy.Bindings[0].Role)

	bucket := items[2]
	assert.Equal(t, "organization/1/project/p1", bucket.Resource.Parent)
	assert.Nil(t, bucket.Policy)
}

func TestExportSource_SkipsMalformedLines(t *testing.T) {
	dump := writeDump(t, `{"name":"organization/1","asset_type":"organization"}
not json at all
{"asset_type":"project"}

{"name":"organization/1/project/p1","asset_type":"project"}
`)

	reporter := progress.NewFirstMessageReporter()
	src := NewExportSource(reporter, dump)
	items, err := collect(t, src)
	require.NoError(t, err)

	assert.Len(t, items, 2, "bad lines are skipped, not fatal")
	_, errors := reporter.Counts()
	assert.Equal(t, 2, errors)
}

func TestExportSource_MissingFileIsFatal(t *testing.T) {
	src := NewExportSource(progress.NewFirstMessageReporter(), "/does/not/exist.jsonl")
	err := src.Crawl(t.Context(), make(chan Item, 1))
	assert.Error(t, err)
}
