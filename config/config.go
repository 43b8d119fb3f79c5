// Package config loads the explicit configuration struct passed to every
// component. There is no global config state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vahti/types"
)

// Config is the root configuration.
type Config struct {
	Version  string        `yaml:"version"`
	Root     RootConfig    `yaml:"root"`
	Crawl    CrawlConfig   `yaml:"crawl"`
	Storage  StorageConfig `yaml:"storage"`
	Rules    RulesConfig   `yaml:"rules"`
	Scanners []string      `yaml:"scanners"`
	Rego     RegoConfig    `yaml:"rego,omitempty"`
	Log      LogConfig     `yaml:"log"`
	OTEL     OTELConfig    `yaml:"otel"`
}

// RootConfig identifies the crawl root.
type RootConfig struct {
	Type string `yaml:"type"` // organization, folder or project
	ID   string `yaml:"id"`
}

// FullName returns the root's ancestry-qualified name.
func (r RootConfig) FullName() string {
	return types.FullNameFor("", r.Type, r.ID)
}

// CrawlConfig holds crawler settings.
type CrawlConfig struct {
	Workers     int           `yaml:"workers"`
	Buffer      int           `yaml:"buffer"`
	Timeout     time.Duration `yaml:"timeout"`
	Quota       QuotaConfig   `yaml:"quota"`
	MaxSoftErrs int           `yaml:"max_soft_errors"`
	ExportPath  string        `yaml:"export_path,omitempty"` // bulk export feed, bypasses the API crawl
}

// QuotaConfig bounds outbound API calls.
type QuotaConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Disabled          bool    `yaml:"disabled"` // for trusted high-quota back ends
}

// StorageConfig holds snapshot store settings. Path is the data
// directory, not the database file itself.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RulesConfig points at the YAML rule file.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// RegoConfig points at a directory of .rego policies for the rego scanner.
type RegoConfig struct {
	BundlePath string `yaml:"bundle_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings. Port serves the Prometheus
// scrape endpoint in daemon mode.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Crawl.Workers == 0 {
		cfg.Crawl.Workers = 8
	}
	if cfg.Crawl.Buffer == 0 {
		cfg.Crawl.Buffer = 64
	}
	if cfg.Crawl.Timeout == 0 {
		cfg.Crawl.Timeout = 30 * time.Minute
	}
	if cfg.Crawl.Quota.RequestsPerSecond == 0 {
		cfg.Crawl.Quota.RequestsPerSecond = 10
	}
	if cfg.Crawl.Quota.Burst == 0 {
		cfg.Crawl.Quota.Burst = 20
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./vahti-data"
	}
	if len(cfg.Scanners) == 0 {
		cfg.Scanners = []string{"iam_policy"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vahti"
	}
	if cfg.OTEL.Metrics.Port == 0 {
		cfg.OTEL.Metrics.Port = 9464
	}
}

// Validate ensures config has required fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	switch c.Root.Type {
	case types.TypeOrganization, types.TypeFolder, types.TypeProject:
	default:
		return fmt.Errorf("root.type must be organization, folder or project (got %q)", c.Root.Type)
	}
	if c.Root.ID == "" {
		return fmt.Errorf("root.id is required")
	}
	if c.Crawl.Workers < 1 {
		return fmt.Errorf("crawl.workers must be at least 1")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
