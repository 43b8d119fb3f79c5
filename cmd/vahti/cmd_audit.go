package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/wal"
)

var (
	auditDir       string
	auditSince     string
	auditRetention int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and prune the append-only audit log",
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay audit log entries",
	Long: `Print audit log entries in order. The log records every resource
observation, warning, and cycle or scan completion; sequence numbers
are continuous across restarts.`,
	Example: `  vahti audit replay --dir ./audit
  vahti audit replay --dir ./audit --since 2026-08-01`,
	RunE: runAuditReplay,
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove audit log files past retention",
	RunE:  runAuditCleanup,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditReplayCmd, auditCleanupCmd)

	auditCmd.PersistentFlags().StringVar(&auditDir, "dir", "./audit", "Audit log directory")
	auditReplayCmd.Flags().StringVar(&auditSince, "since", "", "Only entries on or after this date (YYYY-MM-DD)")
	auditCleanupCmd.Flags().IntVar(&auditRetention, "retention-days", 30, "Remove files older than this many days")
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	var since time.Time
	if auditSince != "" {
		t, err := time.Parse("2006-01-02", auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		since = t
	}

	return wal.Replay(auditDir, since, func(e *wal.Entry) error {
		line := fmt.Sprintf("%s #%d cycle=%d %s", e.Timestamp.Format(time.RFC3339), e.Sequence, e.CycleID, e.Type)
		if e.Resource != "" {
			line += " " + e.Resource
		}
		if e.Error != "" {
			line += " error=" + e.Error
		}
		fmt.Println(line)
		return nil
	})
}

func runAuditCleanup(cmd *cobra.Command, args []string) error {
	stats, err := wal.Cleanup(auditDir, auditRetention)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d file(s), freed %d bytes\n", stats.FilesRemoved, stats.BytesFreed)
	return nil
}
