package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/orchestrator"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

var (
	daemonInterval time.Duration
	daemonAuditDir string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuous crawl and scan cycles",
	Long: `Run Vahti as a daemon: crawl the configured root on an interval,
then scan each new snapshot with the configured scanners.

Features:
- One inventory cycle plus scan pass per interval
- Prometheus metrics on /metrics, health on /health
- Append-only audit trail of every observation
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  vahti daemon                 # Crawl and scan every hour
  vahti daemon --interval 15m  # Custom interval
  vahti daemon --audit ./audit # Also keep an audit trail`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", time.Hour, "Crawl interval")
	daemonCmd.Flags().StringVar(&daemonAuditDir, "audit", "", "Directory for the append-only audit log (disabled when empty)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
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

	provider, err := telemetry.NewProvider(context.Background(), cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	o := orchestrator.New(cfg, store, nil)
	if daemonAuditDir != "" {
		audit, err := wal.Open(daemonAuditDir)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() { _ = audit.Close() }()
		o = o.WithAuditLog(audit)
	}

	var g run.Group

	// Signal handler.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	// Metrics and health server, only when metrics are enabled.
	if registry := provider.Registry(); registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.OTEL.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			fmt.Printf("metrics: http://localhost:%d/metrics\n", cfg.OTEL.Metrics.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	// Crawl and scan loop. A failed cycle does not stop the daemon; the
	// next tick tries again.
	loopCtx, loopCancel := context.WithCancel(ctx)
	g.Add(func() error {
		fmt.Printf("daemon running: root=%s interval=%s\n", cfg.Root.FullName(), daemonInterval)
		ticker := time.NewTicker(daemonInterval)
		defer ticker.Stop()

		cycle(loopCtx, o, provider)
		for {
			select {
			case <-ticker.C:
				cycle(loopCtx, o, provider)
			case <-loopCtx.Done():
				return loopCtx.Err()
			}
		}
	}, func(error) {
		loopCancel()
	})

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		fmt.Println("daemon stopped")
		return nil
	}
	return err
}

// cycle runs one crawl followed by a scan pass, recording both in the
// telemetry provider.
func cycle(ctx context.Context, o *orchestrator.Orchestrator, provider *telemetry.Provider) {
	crawl, err := o.RunCrawl(ctx)
	if crawl != nil {
		provider.RecordCrawl(ctx, crawl.Cycle, crawl.Duration)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawl failed: %v\n", err)
		return
	}

	// Scan the cycle we just crawled, even when it came out partial.
	includePartial := crawl.Cycle.Status == types.CyclePartialSuccess
	results, err := o.ScanAll(ctx, includePartial)
	for _, r := range results {
		elapsed := r.Run.CompletedAt.Sub(r.Run.StartedAt)
		provider.RecordScan(ctx, r.Scanner, r.Violations, elapsed, r.Run.Status == inventory.RunFailed)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan pass failed: %v\n", err)
	}
}
