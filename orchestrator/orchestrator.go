// Package orchestrator drives inventory cycles end to end: crawl,
// persist, set terminal status, then run scanners against the
// resulting snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/crawler"
	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/model"
	"github.com/yairfalse/vahti/progress"
	"github.com/yairfalse/vahti/scanner"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

// Orchestrator coordinates the crawl → store → scan flow. Workers
// never set cycle status; only the orchestrator does, exactly once.
type Orchestrator struct {
	cfg    *config.Config
	store  *inventory.Store
	api    crawler.ResourceAPI
	audit  *wal.Log
	logger *telemetry.Logger
	tracer trace.Tracer
}

// New creates an orchestrator. api may be nil when crawling from a
// bulk export dump.
func New(cfg *config.Config, store *inventory.Store, api crawler.ResourceAPI) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		api:    api,
		logger: telemetry.NewLogger("orchestrator"),
		tracer: otel.Tracer("orchestrator"),
	}
}

// WithAuditLog attaches an audit log recording crawl and scan activity.
func (o *Orchestrator) WithAuditLog(log *wal.Log) *Orchestrator {
	o.audit = log
	return o
}

// RunCrawl executes one inventory cycle. The terminal status is set
// here at the end: SUCCESS with no soft errors beyond the configured
// tolerance, PARTIAL_SUCCESS above it, TIMEOUT when the wall-clock
// budget elapsed, FAILURE on a fatal error or cancellation.
func (o *Orchestrator) RunCrawl(ctx context.Context) (*CrawlResult, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.crawl",
		trace.WithAttributes(attribute.String("root", o.cfg.Root.FullName())))
	defer span.End()

	cycle, err := o.store.BeginCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cycle: %w", err)
	}
	o.logger.LogCycleStart(ctx, cycle.ID, o.cfg.Root.FullName())

	crawlCtx, cancel := context.WithTimeout(ctx, o.cfg.Crawl.Timeout)
	defer cancel()

	reporter := progress.NewReporter(o.cfg.Crawl.Buffer)
	progressDone := make(chan struct{})
	go o.drainProgress(cycle.ID, reporter, progressDone)

	out := make(chan crawler.Item, o.cfg.Crawl.Buffer)
	crawlErrCh := make(chan error, 1)
	go func() {
		crawlErrCh <- o.source(reporter).Crawl(crawlCtx, out)
	}()

	// Single writer per stream. On a write failure it stops persisting
	// but keeps draining so upstream workers never block on a dead
	// channel.
	var writeErr error
	for item := range out {
		if writeErr != nil {
			continue
		}
		if err := o.store.WriteResource(crawlCtx, cycle.ID, item.Resource, item.Policy); err != nil {
			writeErr = err
		}
	}
	crawlErr := <-crawlErrCh
	reporter.Done(o.cfg.Root.FullName())
	<-progressDone

	warnings, softErrors := reporter.Counts()
	status, fatal := o.decideStatus(crawlCtx, crawlErr, writeErr, softErrors)

	lastError := reporter.LastError()
	if fatal != nil {
		lastError = fatal.Error()
	}

	done, err := o.store.CompleteCycle(ctx, cycle.ID, status, inventory.CycleOutcome{
		Warnings:   warnings,
		SoftErrors: softErrors,
		LastError:  lastError,
	})
	if err != nil {
		return nil, fmt.Errorf("complete cycle: %w", err)
	}

	o.logger.LogCycleComplete(ctx, done)
	o.auditAppend(wal.EntryCycleDone, done.ID, "", done)

	result := &CrawlResult{
		Cycle:      done,
		StartTime:  started,
		EndTime:    time.Now(),
		Resources:  done.ResourceCount,
		Policies:   done.PolicyCount,
		Warnings:   warnings,
		SoftErrors: softErrors,
		LastError:  lastError,
	}
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result, fatal
}

// decideStatus maps crawl outcomes to the terminal cycle status. Any
// soft error beyond the configured tolerance downgrades SUCCESS to
// PARTIAL_SUCCESS; the default tolerance is zero.
func (o *Orchestrator) decideStatus(crawlCtx context.Context, crawlErr, writeErr error, softErrors int) (types.CycleStatus, error) {
	timedOut := errors.Is(crawlCtx.Err(), context.DeadlineExceeded) || errors.Is(crawlErr, context.DeadlineExceeded)
	switch {
	case writeErr != nil:
		return types.CycleFailure, fmt.Errorf("snapshot write failed: %w", writeErr)
	case crawlErr != nil && timedOut:
		return types.CycleTimeout, fmt.Errorf("crawl exceeded %s budget: %w", o.cfg.Crawl.Timeout, crawlErr)
	case crawlErr != nil:
		return types.CycleFailure, fmt.Errorf("crawl failed: %w", crawlErr)
	case softErrors > o.cfg.Crawl.MaxSoftErrs:
		return types.CyclePartialSuccess, nil
	default:
		return types.CycleSuccess, nil
	}
}

// source picks the resource stream: the bulk export dump when
// configured, otherwise the live API crawler.
func (o *Orchestrator) source(reporter *progress.Reporter) crawler.Source {
	if o.cfg.Crawl.ExportPath != "" {
		return crawler.NewExportSource(reporter, o.cfg.Crawl.ExportPath)
	}
	return crawler.New(o.api, crawler.DefaultRegistry(), o.cfg.Root, o.cfg.Crawl, reporter)
}

// drainProgress consumes the reporter's channel until the final marker
// and mirrors events into the audit log.
func (o *Orchestrator) drainProgress(cycleID int64, reporter *progress.Reporter, done chan<- struct{}) {
	defer close(done)
	for p := range reporter.Updates() {
		if p.Final {
			continue
		}
		switch p.Step {
		case "warning":
			o.auditAppend(wal.EntryWarning, cycleID, p.EntityID, nil)
		case "error":
			o.auditAppend(wal.EntryError, cycleID, p.EntityID, nil)
		default:
			o.auditAppend(wal.EntryObserved, cycleID, p.EntityID, nil)
		}
	}
}

func (o *Orchestrator) auditAppend(entryType wal.EntryType, cycleID int64, resource string, data any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(entryType, cycleID, resource, data); err != nil {
		o.logger.LogStorageError(context.Background(), "audit_append", err)
	}
}

// ScanAll runs every configured scanner against the latest successful
// snapshot. Scanners run concurrently; the snapshot is immutable so
// they share one model. A FAILED run surfaces in its ScanResult and in
// the joined error, never as a silent empty violation set.
func (o *Orchestrator) ScanAll(ctx context.Context, includePartial bool) ([]ScanResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scan_all",
		trace.WithAttributes(attribute.Bool("include_partial", includePartial)))
	defer span.End()

	cycle, err := o.store.LatestSuccessfulCycle(includePartial)
	if err != nil {
		return nil, err
	}

	g, err := model.FromSnapshot(ctx, o.store, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("build model for cycle %d: %w", cycle.ID, err)
	}

	runner := scanner.NewRunner(o.store)
	results := make([]ScanResult, len(o.cfg.Scanners))

	var wg sync.WaitGroup
	for i, name := range o.cfg.Scanners {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			run, err := runner.RunNamed(ctx, name, o.cfg, g)
			results[i] = ScanResult{Scanner: name, Run: run, Violations: run.Violations, Err: err}
		}(i, name)
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		o.auditAppend(wal.EntryScanDone, cycle.ID, r.Scanner, r.Run)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("scanner %s: %w", r.Scanner, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
