package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vahti.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: "1"
root:
  type: organization
  id: "1234567890"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Crawl.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Crawl.Timeout)
	assert.Equal(t, 10.0, cfg.Crawl.Quota.RequestsPerSecond)
	assert.Equal(t, 20, cfg.Crawl.Quota.Burst)
	assert.Equal(t, "./vahti-data", cfg.Storage.Path)
	assert.Equal(t, []string{"iam_policy"}, cfg.Scanners)
	assert.Equal(t, "vahti", cfg.OTEL.ServiceName)
	assert.Equal(t, "organization/1234567890", cfg.Root.FullName())
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
version: "1"
root:
  type: project
  id: my-project
crawl:
  workers: 4
  timeout: 10m
  max_soft_errors: 5
  quota:
    requests_per_second: 2.5
    burst: 5
    disabled: true
  export_path: /tmp/export.jsonl
storage:
  path: /var/lib/vahti
rules:
  path: /etc/vahti/rules.yaml
scanners: [iam_policy, rego]
rego:
  bundle_path: /etc/vahti/policies
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Crawl.Workers)
	assert.Equal(t, 5, cfg.Crawl.MaxSoftErrs)
	assert.True(t, cfg.Crawl.Quota.Disabled)
	assert.Equal(t, "/tmp/export.jsonl", cfg.Crawl.ExportPath)
	assert.Equal(t, []string{"iam_policy", "rego"}, cfg.Scanners)
	assert.Equal(t, "/etc/vahti/policies", cfg.Rego.BundlePath)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing version", "root:\n  type: organization\n  id: \"1\"\n"},
		{"bad root type", "version: \"1\"\nroot:\n  type: bucket\n  id: \"1\"\n"},
		{"missing root id", "version: \"1\"\nroot:\n  type: organization\n"},
		{"bad sample rate", "version: \"1\"\nroot:\n  type: organization\n  id: \"1\"\notel:\n  traces:\n    sample_rate: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
