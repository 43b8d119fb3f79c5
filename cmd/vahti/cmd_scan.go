package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/orchestrator"
)

var (
	scanIncludePartial bool
	scanOutput         string
	scanNewOnly        bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the latest snapshot for policy violations",
	Long: `Run the configured scanners against the latest successful snapshot.

Each scanner's run is recorded in the store with its status, so FAILED
runs are queryable and never look like an empty violation set.
Violations recurring from the previous completed run of the same
scanner are marked; --new-only shows only first-time findings.`,
	Example: `  vahti scan                    # Scan with configured scanners
  vahti scan --include-partial  # Accept a PARTIAL_SUCCESS snapshot
  vahti scan --new-only         # Only violations not seen last run
  vahti scan -o json            # Machine-readable output`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanIncludePartial, "include-partial", false, "Allow scanning a PARTIAL_SUCCESS snapshot")
	scanCmd.Flags().BoolVar(&scanNewOnly, "new-only", false, "Show only violations new since the previous run")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "table", "Output format: table, json")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanOutput != "table" && scanOutput != "json" {
		return fmt.Errorf("invalid output format: %s (must be table or json)", scanOutput)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	results, scanErr := orchestrator.New(cfg, store, nil).ScanAll(ctx, scanIncludePartial)

	if scanOutput == "json" {
		if err := printScanJSON(ctx, store, results); err != nil {
			return err
		}
		return scanErr
	}

	for _, r := range results {
		fmt.Printf("scanner %s: run %d %s, %d violation(s)\n",
			r.Scanner, r.Run.ID, r.Run.Status, r.Violations)
		if r.Run.Status != inventory.RunCompleted {
			continue
		}
		violations, err := store.ListViolations(ctx, r.Run.ID, "")
		if err != nil {
			return fmt.Errorf("list violations for run %d: %w", r.Run.ID, err)
		}
		for _, v := range violations {
			if scanNewOnly && !v.NewViolation {
				continue
			}
			marker := " "
			if v.NewViolation {
				marker = "+"
			}
			fmt.Printf("  %s [%s] %s on %s/%s\n", marker, v.RuleName, v.ViolationType, v.ResourceType, v.ResourceID)
		}
	}
	return scanErr
}

func printScanJSON(ctx context.Context, store *inventory.Store, results []orchestrator.ScanResult) error {
	type runReport struct {
		Scanner    string            `json:"scanner"`
		Run        inventory.ScanRun `json:"run"`
		Violations any               `json:"violations,omitempty"`
	}

	var report []runReport
	for _, r := range results {
		entry := runReport{Scanner: r.Scanner, Run: r.Run}
		if r.Run.Status == inventory.RunCompleted {
			violations, err := store.ListViolations(ctx, r.Run.ID, "")
			if err != nil {
				return fmt.Errorf("list violations for run %d: %w", r.Run.ID, err)
			}
			if scanNewOnly {
				filtered := violations[:0]
				for _, v := range violations {
					if v.NewViolation {
						filtered = append(filtered, v)
					}
				}
				violations = filtered
			}
			entry.Violations = violations
		}
		report = append(report, entry)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
