package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// CheckIn records a predecessor's completion on an entity's sync point.
//
// The check-in is idempotent: a predecessor already present in the
// satisfied set is a no-op with the same still-waiting outcome, so
// retries after a crash or a lost CAS never double-count. Exactly one
// caller receives Fired=true: the one whose compare-and-swap completes
// the expected set. A CAS conflict re-reads and retries; the loop
// terminates because the satisfied set only grows and is bounded by the
// expected set.
//
// A missing sync point means the traversal was superseded and its
// barriers deleted; that surfaces as a conflict so callers abandon the
// work unit silently.
func CheckIn(ctx context.Context, store SyncPointStore, key SyncPointKey, predecessorID string, payload json.RawMessage) (*CheckInResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, NewPermanentError("check-in cancelled", err).
				WithEntity(key.EntityID).WithTraversal(key.TraversalID)
		}

		sp, err := store.GetSyncPoint(ctx, key)
		if err != nil {
			var ee *EngineError
			if errors.As(err, &ee) && ee.Code == ErrCodeNotFound {
				return nil, NewConflictError("sync point gone; traversal superseded", err).
					WithCode(ErrCodeStaleTraversal).
					WithEntity(key.EntityID).WithTraversal(key.TraversalID)
			}
			return nil, err
		}

		if !contains(sp.Expected, predecessorID) {
			return nil, NewPermanentError(
				fmt.Sprintf("predecessor %s is not expected by sync point", predecessorID), nil).
				WithCode(ErrCodeValidation).
				WithEntity(key.EntityID).WithTraversal(key.TraversalID)
		}

		if _, ok := sp.Satisfied[predecessorID]; ok {
			// Duplicate check-in. The fire belongs to the mutation that
			// completed the set, never to a replay.
			return &CheckInResult{Fired: false}, nil
		}

		next := &SyncPoint{
			EntityID:    sp.EntityID,
			TraversalID: sp.TraversalID,
			Forward:     sp.Forward,
			Expected:    sp.Expected,
			Satisfied:   make(map[string]json.RawMessage, len(sp.Satisfied)+1),
		}
		for id, data := range sp.Satisfied {
			next.Satisfied[id] = data
		}
		next.Satisfied[predecessorID] = payload

		if err := store.UpdateSyncPoint(ctx, next, sp.AtomicKey); err != nil {
			if IsConflict(err) {
				continue
			}
			return nil, err
		}

		if len(next.Satisfied) == len(sp.Expected) {
			return &CheckInResult{Fired: true, Aggregated: next.Satisfied}, nil
		}
		return &CheckInResult{Fired: false}, nil
	}
}

// SeedSyncPoints creates the fan-in barriers for every plan node with a
// nonzero in-degree. Called once per traversal by the controller that
// won the traversal-pointer CAS.
func SeedSyncPoints(ctx context.Context, store SyncPointStore, plan *Plan) error {
	for _, n := range plan.Nodes {
		if len(n.Requires) == 0 {
			continue
		}
		sp := &SyncPoint{
			EntityID:    n.EntityID,
			TraversalID: plan.TraversalID,
			Forward:     n.Forward,
			Expected:    append([]string(nil), n.Requires...),
			Satisfied:   map[string]json.RawMessage{},
		}
		if err := store.CreateSyncPoint(ctx, sp); err != nil {
			return err
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
