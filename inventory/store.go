// Package inventory persists crawled snapshots in bbolt, one namespace
// per cycle, append-only within a cycle.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Bucket names in bbolt
var (
	bucketCycles     = []byte("cycles")
	bucketResources  = []byte("resources")
	bucketPolicies   = []byte("policies")
	bucketRuns       = []byte("scanner_runs")
	bucketViolations = []byte("violations")
	bucketMeta       = []byte("meta")
)

var (
	keyLastCycleID = []byte("last_cycle_id")
	keyLastRunID   = []byte("last_run_id")
)

// ErrNoSuccessfulCycle is returned when no cycle qualifies for
// LatestSuccessfulCycle.
var ErrNoSuccessfulCycle = fmt.Errorf("no successful cycle found")

// cycleSummary is the in-memory index entry, ordered by cycle ID.
type cycleSummary struct {
	ID        int64
	Timestamp string
	Status    types.CycleStatus
}

// Store is the bbolt-backed snapshot store. Each cycle writes only its
// own timestamp-keyed namespace, so concurrent cycles never collide and
// old cycles stay readable until pruned.
type Store struct {
	mu sync.Mutex

	db     *bbolt.DB
	cycles *btree.BTreeG[*cycleSummary]
	logger *telemetry.Logger

	lastCycleID int64
	lastRunID   int64
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "vahti.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketCycles, bucketResources, bucketPolicies, bucketRuns, bucketViolations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		cycles: btree.NewG[*cycleSummary](32, func(a, b *cycleSummary) bool {
			return a.ID < b.ID
		}),
		logger: telemetry.NewLogger("inventory"),
	}

	if err := s.loadState(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginCycle creates a new RUNNING cycle. Exactly one cycle may be
// RUNNING at a time; starting a second is an error.
func (s *Store) BeginCycle(ctx context.Context) (types.InventoryCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running *cycleSummary
	s.cycles.Descend(func(c *cycleSummary) bool {
		if c.Status == types.CycleRunning {
			running = c
			return false
		}
		return true
	})
	if running != nil {
		return types.InventoryCycle{}, fmt.Errorf("cycle %d is still running", running.ID)
	}

	s.lastCycleID++
	now := time.Now().UTC()
	cycle := types.InventoryCycle{
		ID:            s.lastCycleID,
		Timestamp:     fmt.Sprintf("%s-%06d", now.Format("20060102-150405"), s.lastCycleID),
		StartedAt:     now,
		Status:        types.CycleRunning,
		SchemaVersion: types.SchemaVersion,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putCycle(tx, cycle); err != nil {
			return err
		}
		// Pre-create the cycle's namespaces so writers never race
		// bucket creation.
		if _, err := tx.Bucket(bucketResources).CreateBucketIfNotExists([]byte(cycle.Timestamp)); err != nil {
			return err
		}
		if _, err := tx.Bucket(bucketPolicies).CreateBucketIfNotExists([]byte(cycle.Timestamp)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLastCycleID, int64ToBytes(cycle.ID))
	})
	if err != nil {
		s.lastCycleID--
		s.logger.LogStorageError(ctx, "begin_cycle", err)
		return types.InventoryCycle{}, err
	}

	s.cycles.ReplaceOrInsert(&cycleSummary{ID: cycle.ID, Timestamp: cycle.Timestamp, Status: cycle.Status})
	return cycle, nil
}

// CycleOutcome carries the crawl detail recorded at completion.
type CycleOutcome struct {
	Warnings   int
	SoftErrors int
	LastError  string
}

// CompleteCycle moves a cycle to a terminal status, exactly once.
// Resource and policy counts are taken from what was actually written.
func (s *Store) CompleteCycle(ctx context.Context, cycleID int64, status types.CycleStatus, outcome CycleOutcome) (types.InventoryCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cycle types.InventoryCycle
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		cycle, err = getCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if !cycle.Status.CanTransition(status) {
			return fmt.Errorf("illegal cycle transition %s -> %s", cycle.Status, status)
		}

		cycle.Status = status
		cycle.CompletedAt = time.Now().UTC()
		cycle.Warnings = outcome.Warnings
		cycle.SoftErrors = outcome.SoftErrors
		cycle.LastError = outcome.LastError
		cycle.ResourceCount = bucketKeyCount(tx.Bucket(bucketResources).Bucket([]byte(cycle.Timestamp)))
		cycle.PolicyCount = bucketKeyCount(tx.Bucket(bucketPolicies).Bucket([]byte(cycle.Timestamp)))

		return putCycle(tx, cycle)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "complete_cycle", err)
		return types.InventoryCycle{}, err
	}

	s.cycles.ReplaceOrInsert(&cycleSummary{ID: cycle.ID, Timestamp: cycle.Timestamp, Status: cycle.Status})
	return cycle, nil
}

// GetCycle returns one cycle record.
func (s *Store) GetCycle(cycleID int64) (types.InventoryCycle, error) {
	var cycle types.InventoryCycle
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		cycle, err = getCycle(tx, cycleID)
		return err
	})
	return cycle, err
}

// ListCycles returns all cycles ordered by ID.
func (s *Store) ListCycles() ([]types.InventoryCycle, error) {
	var cycles []types.InventoryCycle
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCycles).ForEach(func(k, v []byte) error {
			var c types.InventoryCycle
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			cycles = append(cycles, c)
			return nil
		})
	})
	return cycles, err
}

// LatestSuccessfulCycle returns the most recent SUCCESS cycle.
// PARTIAL_SUCCESS only qualifies when includePartial is set; scanners
// and model building default to fully-succeeded snapshots.
func (s *Store) LatestSuccessfulCycle(includePartial bool) (types.InventoryCycle, error) {
	s.mu.Lock()
	var found *cycleSummary
	s.cycles.Descend(func(c *cycleSummary) bool {
		if c.Status == types.CycleSuccess || (includePartial && c.Status == types.CyclePartialSuccess) {
			found = c
			return false
		}
		return true
	})
	s.mu.Unlock()

	if found == nil {
		return types.InventoryCycle{}, ErrNoSuccessfulCycle
	}
	return s.GetCycle(found.ID)
}

// loadState restores the cycle index and counters from disk.
func (s *Store) loadState() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(keyLastCycleID); data != nil {
			s.lastCycleID = bytesToInt64(data)
		}
		if data := meta.Get(keyLastRunID); data != nil {
			s.lastRunID = bytesToInt64(data)
		}

		return tx.Bucket(bucketCycles).ForEach(func(k, v []byte) error {
			var c types.InventoryCycle
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			s.cycles.ReplaceOrInsert(&cycleSummary{ID: c.ID, Timestamp: c.Timestamp, Status: c.Status})
			return nil
		})
	})
}

// Helper functions

func putCycle(tx *bbolt.Tx, cycle types.InventoryCycle) error {
	value, err := json.Marshal(cycle)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCycles).Put(int64ToBytes(cycle.ID), value)
}

func getCycle(tx *bbolt.Tx, cycleID int64) (types.InventoryCycle, error) {
	data := tx.Bucket(bucketCycles).Get(int64ToBytes(cycleID))
	if data == nil {
		return types.InventoryCycle{}, fmt.Errorf("cycle %d not found", cycleID)
	}
	var cycle types.InventoryCycle
	if err := json.Unmarshal(data, &cycle); err != nil {
		return types.InventoryCycle{}, err
	}
	return cycle, nil
}

func bucketKeyCount(b *bbolt.Bucket) int {
	if b == nil {
		return 0
	}
	return b.Stats().KeyN
}

func int64ToBytes(n int64) []byte {
	return []byte(fmt.Sprintf("%016d", n))
}

func bytesToInt64(b []byte) int64 {
	var n int64
	fmt.Sscanf(string(b), "%016d", &n)
	return n
}
