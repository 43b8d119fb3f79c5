package scanner

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/model"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Runner drives the scan run state machine: it allocates the run,
// collects the scanner's violations, marks new ones against the
// previous completed run, and seals the run COMPLETED or FAILED.
type Runner struct {
	store  *inventory.Store
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewRunner creates a runner over the snapshot store.
func NewRunner(store *inventory.Store) *Runner {
	return &Runner{
		store:  store,
		logger: telemetry.NewLogger("scan-runner"),
		tracer: otel.Tracer("scan-runner"),
	}
}

// RunNamed builds the named scanner and runs it. A constructor failure
// (rule file parse, missing rego bundle) still records a FAILED run, so
// the failure is queryable and never mistaken for "no violations".
func (r *Runner) RunNamed(ctx context.Context, name string, cfg *config.Config, g *model.Graph) (inventory.ScanRun, error) {
	sc, err := New(name, cfg)
	if err != nil {
		run, beginErr := r.store.BeginScanRun(ctx, name, g.Cycle().ID)
		if beginErr != nil {
			return inventory.ScanRun{}, fmt.Errorf("scanner %s failed to load and run could not be recorded: %w", name, err)
		}
		if completeErr := r.store.CompleteScanRun(ctx, run.ID, inventory.RunFailed, 0); completeErr != nil {
			r.logger.LogStorageError(ctx, "fail_scan_run", completeErr)
		}
		run.Status = inventory.RunFailed
		return run, fmt.Errorf("scanner %s failed to load: %w", name, err)
	}
	return r.Run(ctx, sc, g)
}

// Run executes a loaded scanner against the model.
func (r *Runner) Run(ctx context.Context, sc Scanner, g *model.Graph) (inventory.ScanRun, error) {
	ctx, span := r.tracer.Start(ctx, "scanner.run",
		trace.WithAttributes(
			attribute.String("scanner", sc.Name()),
			attribute.Int64("cycle.id", g.Cycle().ID)))
	defer span.End()

	r.logger.LogSpanStart(ctx, "scanner.run",
		attribute.String("scanner", sc.Name()),
		attribute.Int64("cycle_id", g.Cycle().ID))
	run, err := r.run(ctx, sc, g)
	r.logger.LogSpanEnd(ctx, "scanner.run", err)
	return run, err
}

func (r *Runner) run(ctx context.Context, sc Scanner, g *model.Graph) (inventory.ScanRun, error) {
	run, err := r.store.BeginScanRun(ctx, sc.Name(), g.Cycle().ID)
	if err != nil {
		return inventory.ScanRun{}, fmt.Errorf("begin scan run: %w", err)
	}

	var violations []types.Violation
	err = sc.Run(ctx, g, func(v types.Violation) error {
		violations = append(violations, v)
		return nil
	})
	if err != nil {
		r.logger.WithContext(ctx).Error().
			Err(err).
			Str("scanner", sc.Name()).
			Int64("run_id", run.ID).
			Msg("scan run failed")
		if completeErr := r.store.CompleteScanRun(ctx, run.ID, inventory.RunFailed, 0); completeErr != nil {
			r.logger.LogStorageError(ctx, "fail_scan_run", completeErr)
		}
		run.Status = inventory.RunFailed
		return run, err
	}

	if err := r.markNewViolations(ctx, sc.Name(), run.ID, violations); err != nil {
		r.logger.LogStorageError(ctx, "mark_new_violations", err)
		if completeErr := r.store.CompleteScanRun(ctx, run.ID, inventory.RunFailed, 0); completeErr != nil {
			r.logger.LogStorageError(ctx, "fail_scan_run", completeErr)
		}
		run.Status = inventory.RunFailed
		return run, err
	}

	if err := r.store.WriteViolations(ctx, run.ID, violations); err != nil {
		run.Status = inventory.RunFailed
		if completeErr := r.store.CompleteScanRun(ctx, run.ID, inventory.RunFailed, 0); completeErr != nil {
			r.logger.LogStorageError(ctx, "fail_scan_run", completeErr)
		}
		return run, err
	}
	if err := r.store.CompleteScanRun(ctx, run.ID, inventory.RunCompleted, len(violations)); err != nil {
		return run, err
	}

	r.logger.WithContext(ctx).Info().
		Str("scanner", sc.Name()).
		Int64("run_id", run.ID).
		Int("violations", len(violations)).
		Msg("scan run complete")

	return r.store.GetScanRun(run.ID)
}

// markNewViolations sets NewViolation on every violation whose hash was
// absent from the immediately preceding completed run for the same
// rule. With no previous run everything is new.
func (r *Runner) markNewViolations(ctx context.Context, scanner string, runID int64, violations []types.Violation) error {
	prev, ok, err := r.store.PreviousCompletedRun(scanner, runID)
	if err != nil {
		return err
	}
	if !ok {
		for i := range violations {
			violations[i].NewViolation = true
		}
		return nil
	}

	prevHashes := make(map[string]map[string]bool)
	for i := range violations {
		rule := violations[i].RuleName
		hashes, cached := prevHashes[rule]
		if !cached {
			hashes, err = r.store.ViolationHashes(ctx, prev.ID, rule)
			if err != nil {
				return err
			}
			prevHashes[rule] = hashes
		}
		violations[i].NewViolation = !hashes[violations[i].Hash()]
	}
	return nil
}
