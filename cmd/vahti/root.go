package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/inventory"
)

var (
	version = "0.1.0"

	cfgPath string

	rootCmd = &cobra.Command{
		Use:   "vahti",
		Short: "Cloud resource inventory and policy scanner",
		Long: `Vahti - Cloud Resource Inventory and Policy Scanner

Vahti crawls a resource hierarchy into immutable snapshots, builds an
access model over the latest snapshot, and scans it against YAML and
Rego policy rules. Every crawl is a numbered cycle with an explicit
terminal status, so you always know how much to trust what you query.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Vahti {{.Version}} - Cloud Resource Inventory and Policy Scanner
`)
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "vahti.yaml", "Config file path")
}

// loadConfig reads the config file and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	return cfg, nil
}

func openStore(cfg *config.Config) (*inventory.Store, error) {
	store, err := inventory.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store at %s: %w", cfg.Storage.Path, err)
	}
	return store, nil
}
