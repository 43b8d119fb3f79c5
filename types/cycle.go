package types

import "time"

// CycleStatus is the lifecycle state of one inventory cycle.
type CycleStatus string

const (
	CycleRunning        CycleStatus = "RUNNING"
	CycleSuccess        CycleStatus = "SUCCESS"
	CyclePartialSuccess CycleStatus = "PARTIAL_SUCCESS"
	CycleFailure        CycleStatus = "FAILURE"
	CycleTimeout        CycleStatus = "TIMEOUT"
)

// Terminal reports whether the status is final.
func (s CycleStatus) Terminal() bool {
	return s != CycleRunning
}

// CanTransition reports whether a status change is allowed.
// The only legal transitions are RUNNING to a terminal state.
func (s CycleStatus) CanTransition(to CycleStatus) bool {
	return s == CycleRunning && to.Terminal()
}

// SchemaVersion is bumped when the stored resource layout changes.
const SchemaVersion = 2

// InventoryCycle identifies one crawl run. IDs increase monotonically;
// the Timestamp string namespaces the cycle's storage so concurrent
// cycles never collide.
type InventoryCycle struct {
	ID            int64       `json:"id"`
	Timestamp     string      `json:"timestamp"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   time.Time   `json:"completed_at,omitempty"`
	Status        CycleStatus `json:"status"`
	SchemaVersion int         `json:"schema_version"`

	// Crawl outcome detail, for operators deciding whether to trust
	// a PARTIAL_SUCCESS or FAILURE snapshot.
	ResourceCount int    `json:"resource_count"`
	PolicyCount   int    `json:"policy_count"`
	Warnings      int    `json:"warnings"`
	SoftErrors    int    `json:"soft_errors"`
	LastError     string `json:"last_error,omitempty"`
}
