package orchestrator

import (
	"time"

	"github.com/yairfalse/vahti/inventory"
	"github.com/yairfalse/vahti/types"
)

// CrawlResult summarizes one inventory cycle. PARTIAL_SUCCESS and
// FAILURE carry the counters and last error text an operator needs to
// decide whether to trust the snapshot.
type CrawlResult struct {
	Cycle      types.InventoryCycle `json:"cycle"`
	StartTime  time.Time            `json:"start_time"`
	EndTime    time.Time            `json:"end_time"`
	Duration   time.Duration        `json:"duration"`
	Resources  int                  `json:"resources"`
	Policies   int                  `json:"policies"`
	Warnings   int                  `json:"warnings"`
	SoftErrors int                  `json:"soft_errors"`
	LastError  string               `json:"last_error,omitempty"`
}

// ScanResult summarizes one scanner's run within a scan pass. Err is
// set when the run FAILED.
type ScanResult struct {
	Scanner    string            `json:"scanner"`
	Run        inventory.ScanRun `json:"run"`
	Violations int               `json:"violations"`
	Err        error             `json:"-"`
}
