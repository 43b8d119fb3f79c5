package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/crawler"
	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

const exportDump = `{"name":"organization/1","asset_type":"organization","resource":{"displayName":"acme"},"iam_policy":{"bindings":[{"role":"roles/owner","members":["user:alice@example.com"]}]}}
{"name":"organization/1/project/p1","asset_type":"project","resource":{"projectNumber":"42"}}
{"name":"organization/1/project/p1/bucket/b1","asset_type":"bucket","resource":{"location":"EU"},"iam_policy":{"bindings":[{"role":"roles/storage.objectViewer","members":["allUsers"]}]}}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Version: "1",
		Root:    config.RootConfig{Type: types.TypeOrganization, ID: "1"},
		Crawl: config.CrawlConfig{
			Workers: 4,
			Buffer:  16,
			Timeout: time.Minute,
			Quota:   config.QuotaConfig{Disabled: true},
		},
		Scanners: []string{"iam_policy"},
	}
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func openStore(t *testing.T) *inventory.Store {
	t.Helper()
	store, err := inventory.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunCrawl_SuccessFromExport(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.ExportPath = writeTestFile(t, "export.jsonl", exportDump)

	result, err := New(cfg, store, nil).RunCrawl(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.CycleSuccess, result.Cycle.Status)
	assert.Equal(t, 3, result.Resources)
	assert.Equal(t, 2, result.Policies)
	assert.Zero(t, result.SoftErrors)

	latest, err := store.LatestSuccessfulCycle(false)
	require.NoError(t, err)
	assert.Equal(t, result.Cycle.ID, latest.ID)
}

func TestRunCrawl_SoftErrorsMakePartialSuccess(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.ExportPath = writeTestFile(t, "export.jsonl",
		exportDump+"this line is not json\n")

	result, err := New(cfg, store, nil).RunCrawl(context.Background())
	require.NoError(t, err, "soft errors do not fail the crawl")

	assert.Equal(t, types.CyclePartialSuccess, result.Cycle.Status)
	assert.Equal(t, 1, result.SoftErrors)
	assert.NotEmpty(t, result.LastError, "operators need the last error text")

	// PARTIAL_SUCCESS is excluded from the default latest lookup.
	_, err = store.LatestSuccessfulCycle(false)
	assert.ErrorIs(t, err, inventory.ErrNoSuccessfulCycle)

	latest, err := store.LatestSuccessfulCycle(true)
	require.NoError(t, err)
	assert.Equal(t, result.Cycle.ID, latest.ID)
}

func TestRunCrawl_SoftErrorToleranceIsConfigurable(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.MaxSoftErrs = 1
	cfg.Crawl.ExportPath = writeTestFile(t, "export.jsonl",
		exportDump+"this line is not json\n")

	result, err := New(cfg, store, nil).RunCrawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.CycleSuccess, result.Cycle.Status,
		"one soft error is within the configured tolerance")
}

func TestRunCrawl_UnreachableSourceIsFailure(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.ExportPath = "/does/not/exist.jsonl"

	result, err := New(cfg, store, nil).RunCrawl(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CycleFailure, result.Cycle.Status)
	assert.NotEmpty(t, result.LastError)
}

// stalledAPI blocks every call until the context expires.
type stalledAPI struct{}

func (stalledAPI) ListChildren(ctx context.Context, _ string) ([]crawler.ChildRef, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledAPI) GetResourceData(ctx context.Context, _ string) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledAPI) GetIAMPolicy(ctx context.Context, _ string) (*types.IAMPolicy, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCrawl_WallClockBudgetMeansTimeout(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.Timeout = 50 * time.Millisecond

	result, err := New(cfg, store, stalledAPI{}).RunCrawl(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CycleTimeout, result.Cycle.Status)
}

func TestRunCrawl_CancellationMeansFailure(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := New(cfg, store, stalledAPI{}).RunCrawl(ctx)
	require.Error(t, err)
	assert.Equal(t, types.CycleFailure, result.Cycle.Status, "a cancelled crawl is never SUCCESS")
}

func TestRunCrawl_WritesAuditLog(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.ExportPath = writeTestFile(t, "export.jsonl", exportDump)

	auditDir := t.TempDir()
	audit, err := wal.Open(auditDir)
	require.NoError(t, err)

	_, err = New(cfg, store, nil).WithAuditLog(audit).RunCrawl(context.Background())
	require.NoError(t, err)
	require.NoError(t, audit.Close())

	counts := map[wal.EntryType]int{}
	require.NoError(t, wal.Replay(auditDir, time.Time{}, func(e *wal.Entry) error {
		counts[e.Type]++
		return nil
	}))
	assert.Equal(t, 3, counts[wal.EntryObserved])
	assert.Equal(t, 1, counts[wal.EntryCycleDone])
}

const scanRules = `rules:
  - name: no-public-buckets
    mode: blacklist
    resource:
      - type: bucket
        resource_ids: ["*"]
    members:
      - "allUsers"
`

func TestScanAll_RunsConfiguredScanners(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.ExportPath = writeTestFile(t, "export.jsonl", exportDump)
	cfg.Rules.Path = writeTestFile(t, "rules.yaml", scanRules)

	o := New(cfg, store, nil)
	_, err := o.RunCrawl(context.Background())
	require.NoError(t, err)

	results, err := o.ScanAll(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "iam_policy", results[0].Scanner)
	assert.Equal(t, inventory.RunCompleted, results[0].Run.Status)
	assert.Equal(t, 1, results[0].Violations)

	violations, err := store.ListViolations(context.Background(), results[0].Run.ID, "no-public-buckets")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "b1", violations[0].ResourceID)
}

func TestScanAll_NoSuccessfulCycle(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)

	_, err := New(cfg, store, nil).ScanAll(context.Background(), false)
	assert.ErrorIs(t, err, inventory.ErrNoSuccessfulCycle)
}

func TestScanAll_FailedScannerSurfaces(t *testing.T) {
	store := openStore(t)
	cfg := testConfig(t)
	cfg.Crawl.ExportPath = writeTestFile(t, "export.jsonl", exportDump)
	cfg.Rules.Path = filepath.Join(t.TempDir(), "missing.yaml")

	o := New(cfg, store, nil)
	_, err := o.RunCrawl(context.Background())
	require.NoError(t, err)

	results, err := o.ScanAll(context.Background(), false)
	require.Error(t, err, "a FAILED run is never a silent empty result")
	require.Len(t, results, 1)
	assert.Equal(t, inventory.RunFailed, results[0].Run.Status)
}

func TestDecideStatus(t *testing.T) {
	o := New(testConfig(t), nil, nil)
	ctx := context.Background()

	status, err := o.decideStatus(ctx, nil, nil, 0)
	assert.Equal(t, types.CycleSuccess, status)
	assert.NoError(t, err)

	status, err = o.decideStatus(ctx, nil, nil, 1)
	assert.Equal(t, types.CyclePartialSuccess, status)
	assert.NoError(t, err)

	status, err = o.decideStatus(ctx, fmt.Errorf("fetch root: boom"), nil, 0)
	assert.Equal(t, types.CycleFailure, status)
	assert.Error(t, err)

	status, err = o.decideStatus(ctx, nil, fmt.Errorf("disk full"), 0)
	assert.Equal(t, types.CycleFailure, status)
	assert.Error(t, err)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	status, err = o.decideStatus(expired, expired.Err(), nil, 0)
	assert.Equal(t, types.CycleTimeout, status)
	assert.Error(t, err)
}
