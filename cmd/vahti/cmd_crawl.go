package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/orchestrator"
	"github.com/yairfalse/vahti/wal"
)

var crawlAuditDir string

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Run one inventory cycle",
	Long: `Crawl the configured root into a new snapshot.

The cycle ends in exactly one terminal status: SUCCESS, PARTIAL_SUCCESS
when per-resource failures exceeded the configured tolerance, TIMEOUT
when the wall-clock budget elapsed, or FAILURE. A non-zero exit means
the snapshot cannot be trusted as complete.`,
	Example: `  vahti crawl                          # Crawl using vahti.yaml
  vahti crawl -c /etc/vahti/vahti.yaml # Explicit config
  vahti crawl --audit ./audit          # Also write an audit trail`,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	crawlCmd.Flags().StringVar(&crawlAuditDir, "audit", "", "Directory for the append-only audit log (disabled when empty)")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Crawl.ExportPath == "" {
		return fmt.Errorf("no resource feed configured: set crawl.export_path to a bulk export dump")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	o := orchestrator.New(cfg, store, nil)
	if crawlAuditDir != "" {
		audit, err := wal.Open(crawlAuditDir)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() { _ = audit.Close() }()
		o = o.WithAuditLog(audit)
	}

	result, err := o.RunCrawl(context.Background())
	if result != nil {
		fmt.Printf("cycle %d: %s\n", result.Cycle.ID, result.Cycle.Status)
		fmt.Printf("  resources: %d  policies: %d\n", result.Resources, result.Policies)
		fmt.Printf("  warnings: %d  soft errors: %d\n", result.Warnings, result.SoftErrors)
		fmt.Printf("  duration: %s\n", result.Duration.Round(time.Millisecond))
		if result.LastError != "" {
			fmt.Printf("  last error: %s\n", result.LastError)
		}
	}
	return err
}
