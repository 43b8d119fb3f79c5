package inventory

import (
	"context"

	"github.com/yairfalse/vahti/types"
)

// CycleWriter starts and finishes inventory cycles.
type CycleWriter interface {
	BeginCycle(ctx context.Context) (types.InventoryCycle, error)
	WriteResource(ctx context.Context, cycleID int64, resource types.Resource, policy *types.IAMPolicy) error
	CompleteCycle(ctx context.Context, cycleID int64, status types.CycleStatus, outcome CycleOutcome) (types.InventoryCycle, error)
}

// CycleReader queries cycles and their snapshots.
type CycleReader interface {
	GetCycle(cycleID int64) (types.InventoryCycle, error)
	ListCycles() ([]types.InventoryCycle, error)
	LatestSuccessfulCycle(includePartial bool) (types.InventoryCycle, error)
	IterateResources(ctx context.Context, cycleID int64, typeFilter string, fn func(types.Resource, *types.IAMPolicy) error) error
	CountByType(ctx context.Context, cycleID int64) (map[string]int, error)
}

// RunWriter records scanner runs and their violations.
type RunWriter interface {
	BeginScanRun(ctx context.Context, scanner string, cycleID int64) (ScanRun, error)
	WriteViolations(ctx context.Context, runID int64, violations []types.Violation) error
	CompleteScanRun(ctx context.Context, runID int64, status RunStatus, violations int) error
}

// RunReader queries scanner runs and violations.
type RunReader interface {
	GetScanRun(runID int64) (ScanRun, error)
	ListViolations(ctx context.Context, runID int64, ruleName string) ([]types.Violation, error)
	ViolationHashes(ctx context.Context, runID int64, ruleName string) (map[string]bool, error)
	PreviousCompletedRun(scanner string, before int64) (ScanRun, bool, error)
}

// Lifecycle manages store lifecycle.
type Lifecycle interface {
	Close() error
}

// Snapshot is the complete store interface combining all capabilities.
type Snapshot interface {
	CycleWriter
	CycleReader
	RunWriter
	RunReader
	Lifecycle
}
