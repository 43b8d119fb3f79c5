package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/types"
)

// WriteResource appends one resource, with its IAM policy if any, to a
// RUNNING cycle's namespace. Data and policy land in one transaction so
// a reader never sees a policy without its resource. Writes are
// append-only: rewriting an existing key is an error, the next cycle is
// the unit of update.
func (s *Store) WriteResource(ctx context.Context, cycleID int64, resource types.Resource, policy *types.IAMPolicy) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cycle, err := getCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status != types.CycleRunning {
			return fmt.Errorf("cycle %d is %s, not writable", cycleID, cycle.Status)
		}

		key := []byte(resource.Key())
		resources := tx.Bucket(bucketResources).Bucket([]byte(cycle.Timestamp))
		if resources.Get(key) != nil {
			return fmt.Errorf("resource %s already written in cycle %d", resource.Key(), cycleID)
		}

		value, err := json.Marshal(resource)
		if err != nil {
			return err
		}
		if err := resources.Put(key, value); err != nil {
			return err
		}

		if policy == nil {
			return nil
		}
		policyValue, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPolicies).Bucket([]byte(cycle.Timestamp)).Put(key, policyValue)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "write_resource", err)
	}
	return err
}

// IterateResources streams a cycle's resources to fn in key order,
// optionally filtered by type. The policy argument is nil for resources
// without one. Iteration stops on the first error from fn.
func (s *Store) IterateResources(ctx context.Context, cycleID int64, typeFilter string, fn func(types.Resource, *types.IAMPolicy) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		cycle, err := getCycle(tx, cycleID)
		if err != nil {
			return err
		}

		resources := tx.Bucket(bucketResources).Bucket([]byte(cycle.Timestamp))
		policies := tx.Bucket(bucketPolicies).Bucket([]byte(cycle.Timestamp))
		if resources == nil {
			return nil
		}

		return resources.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			var resource types.Resource
			if err := json.Unmarshal(v, &resource); err != nil {
				return fmt.Errorf("corrupt resource %s: %w", k, err)
			}
			if typeFilter != "" && resource.Type != typeFilter {
				return nil
			}

			var policy *types.IAMPolicy
			if policies != nil {
				if pv := policies.Get(k); pv != nil {
					policy = &types.IAMPolicy{}
					if err := json.Unmarshal(pv, policy); err != nil {
						return fmt.Errorf("corrupt policy %s: %w", k, err)
					}
				}
			}

			return fn(resource, policy)
		})
	})
}

// CountByType returns per-type resource counts for a cycle.
func (s *Store) CountByType(ctx context.Context, cycleID int64) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.IterateResources(ctx, cycleID, "", func(r types.Resource, _ *types.IAMPolicy) error {
		counts[r.Type]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
