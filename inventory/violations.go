package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/types"
)

// RunStatus is the scanner run state machine. The LOADED state is a
// constructed scanner value that has not begun a run; stored runs start
// at RUNNING.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// ScanRun records one scanner execution against one cycle. Violations
// are keyed by run ID so historical runs stay independently queryable.
type ScanRun struct {
	ID          int64     `json:"id"`
	Scanner     string    `json:"scanner"`
	CycleID     int64     `json:"cycle_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Status      RunStatus `json:"status"`
	Violations  int       `json:"violations"`
}

// storedViolation pairs the truncated record with its pre-truncation hash.
type storedViolation struct {
	types.Violation
	Hash string `json:"hash"`
}

// BeginScanRun allocates a run index for a scanner against a cycle.
func (s *Store) BeginScanRun(ctx context.Context, scanner string, cycleID int64) (ScanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRunID++
	run := ScanRun{
		ID:        s.lastRunID,
		Scanner:   scanner,
		CycleID:   cycleID,
		StartedAt: time.Now().UTC(),
		Status:    RunRunning,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putRun(tx, run); err != nil {
			return err
		}
		if _, err := tx.Bucket(bucketViolations).CreateBucketIfNotExists(int64ToBytes(run.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLastRunID, int64ToBytes(run.ID))
	})
	if err != nil {
		s.lastRunID--
		s.logger.LogStorageError(ctx, "begin_scan_run", err)
		return ScanRun{}, err
	}
	return run, nil
}

// CompleteScanRun marks a run COMPLETED or FAILED.
func (s *Store) CompleteScanRun(ctx context.Context, runID int64, status RunStatus, violations int) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("scan run terminal status must be COMPLETED or FAILED, got %s", status)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		run, err := getRun(tx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunRunning {
			return fmt.Errorf("scan run %d is %s, not RUNNING", runID, run.Status)
		}
		run.Status = status
		run.CompletedAt = time.Now().UTC()
		run.Violations = violations
		return putRun(tx, run)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "complete_scan_run", err)
	}
	return err
}

// GetScanRun returns one run record.
func (s *Store) GetScanRun(runID int64) (ScanRun, error) {
	var run ScanRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		run, err = getRun(tx, runID)
		return err
	})
	return run, err
}

// WriteViolations stores a run's violations. The dedup hash is computed
// from the untruncated violation, then string fields are truncated for
// storage. Duplicate hashes within a rule collapse to one record.
func (s *Store) WriteViolations(ctx context.Context, runID int64, violations []types.Violation) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		run, err := getRun(tx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunRunning {
			return fmt.Errorf("scan run %d is %s, not writable", runID, run.Status)
		}

		bucket := tx.Bucket(bucketViolations).Bucket(int64ToBytes(runID))
		for _, v := range violations {
			hash := v.Hash()
			record := storedViolation{Violation: v.Truncated(), Hash: hash}
			value, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := bucket.Put(violationKey(v.RuleName, hash), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "write_violations", err)
	}
	return err
}

// ListViolations returns a run's violations, optionally filtered by rule
// name. An empty ruleName returns all.
func (s *Store) ListViolations(ctx context.Context, runID int64, ruleName string) ([]types.Violation, error) {
	var out []types.Violation
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketViolations).Bucket(int64ToBytes(runID))
		if bucket == nil {
			return fmt.Errorf("scan run %d not found", runID)
		}
		return forEachViolation(bucket, ruleName, func(record storedViolation) error {
			out = append(out, record.Violation)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ViolationHashes returns the dedup hashes of one rule's violations in a
// run. Used for new_violation detection against the previous run.
func (s *Store) ViolationHashes(ctx context.Context, runID int64, ruleName string) (map[string]bool, error) {
	hashes := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketViolations).Bucket(int64ToBytes(runID))
		if bucket == nil {
			return nil
		}
		return forEachViolation(bucket, ruleName, func(record storedViolation) error {
			hashes[record.Hash] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// PreviousCompletedRun finds the most recent COMPLETED run of a scanner
// before the given run ID. Returns false if there is none.
func (s *Store) PreviousCompletedRun(scanner string, before int64) (ScanRun, bool, error) {
	var found ScanRun
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run ScanRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.ID >= before {
				continue
			}
			if run.Scanner == scanner && run.Status == RunCompleted {
				found = run
				ok = true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// Helper functions

func violationKey(ruleName, hash string) []byte {
	key := make([]byte, 0, len(ruleName)+1+len(hash))
	key = append(key, ruleName...)
	key = append(key, 0)
	key = append(key, hash...)
	return key
}

func forEachViolation(bucket *bbolt.Bucket, ruleName string, fn func(storedViolation) error) error {
	if ruleName == "" {
		return bucket.ForEach(func(_, v []byte) error {
			return decodeViolation(v, fn)
		})
	}

	prefix := append([]byte(ruleName), 0)
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := decodeViolation(v, fn); err != nil {
			return err
		}
	}
	return nil
}

func decodeViolation(v []byte, fn func(storedViolation) error) error {
	var record storedViolation
	if err := json.Unmarshal(v, &record); err != nil {
		return fmt.Errorf("corrupt violation record: %w", err)
	}
	return fn(record)
}

func putRun(tx *bbolt.Tx, run ScanRun) error {
	value, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRuns).Put(int64ToBytes(run.ID), value)
}

func getRun(tx *bbolt.Tx, runID int64) (ScanRun, error) {
	data := tx.Bucket(bucketRuns).Get(int64ToBytes(runID))
	if data == nil {
		return ScanRun{}, fmt.Errorf("scan run %d not found", runID)
	}
	var run ScanRun
	if err := json.Unmarshal(data, &run); err != nil {
		return ScanRun{}, err
	}
	return run, nil
}
