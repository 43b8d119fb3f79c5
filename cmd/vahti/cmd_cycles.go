package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var cyclesOutput string

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List inventory cycles and their outcomes",
	Long: `List every recorded inventory cycle with its terminal status and
crawl counters. The status tells you how much to trust the snapshot:
only SUCCESS cycles are complete, PARTIAL_SUCCESS snapshots are missing
the resources that soft-errored.`,
	RunE: runCycles,
}

func init() {
	rootCmd.AddCommand(cyclesCmd)
	cyclesCmd.Flags().StringVarP(&cyclesOutput, "output", "o", "table", "Output format: table, json")
}

func runCycles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cycles, err := store.ListCycles()
	if err != nil {
		return err
	}

	if cyclesOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cycles)
	}

	if len(cycles) == 0 {
		fmt.Println("no cycles recorded")
		return nil
	}

	fmt.Printf("%-6s %-17s %-20s %10s %10s %6s\n", "ID", "STATUS", "STARTED", "RESOURCES", "POLICIES", "ERRORS")
	for _, c := range cycles {
		fmt.Printf("%-6d %-17s %-20s %10d %10d %6d\n",
			c.ID, c.Status, c.StartedAt.Format("2006-01-02 15:04:05"),
			c.ResourceCount, c.PolicyCount, c.SoftErrors)
	}

	ctx := context.Background()
	if latest, err := store.LatestSuccessfulCycle(false); err == nil {
		counts, err := store.CountByType(ctx, latest.ID)
		if err == nil && len(counts) > 0 {
			types := make([]string, 0, len(counts))
			for typ := range counts {
				types = append(types, typ)
			}
			sort.Strings(types)
			fmt.Printf("\nlatest successful cycle %d by type:\n", latest.ID)
			for _, typ := range types {
				fmt.Printf("  %-20s %d\n", typ, counts[typ])
			}
		}
	}
	return nil
}
