package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

func seedBarrier(t *testing.T, store *memStore, expected ...string) SyncPointKey {
	t.Helper()
	sp := &SyncPoint{
		EntityID:    "ent-target",
		TraversalID: "trav-1",
		Forward:     true,
		Expected:    expected,
		Satisfied:   map[string]json.RawMessage{},
	}
	if err := store.CreateSyncPoint(context.Background(), sp); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sp.Key()
}

func TestCheckInFiresOnLastPredecessor(t *testing.T) {
	store := newMemStore()
	key := seedBarrier(t, store, "p1", "p2")
	ctx := context.Background()

	res, err := CheckIn(ctx, store, key, "p1", json.RawMessage(`{"ref":"r1"}`))
	if err != nil {
		t.Fatalf("check-in p1: %v", err)
	}
	if res.Fired {
		t.Fatal("barrier fired before all predecessors checked in")
	}

	res, err = CheckIn(ctx, store, key, "p2", json.RawMessage(`{"ref":"r2"}`))
	if err != nil {
		t.Fatalf("check-in p2: %v", err)
	}
	if !res.Fired {
		t.Fatal("barrier did not fire on last predecessor")
	}
	if len(res.Aggregated) != 2 {
		t.Fatalf("expected 2 aggregated payloads, got %d", len(res.Aggregated))
	}
	if string(res.Aggregated["p1"]) != `{"ref":"r1"}` {
		t.Fatalf("unexpected payload for p1: %s", res.Aggregated["p1"])
	}
}

func TestCheckInIsIdempotent(t *testing.T) {
	store := newMemStore()
	key := seedBarrier(t, store, "p1", "p2")
	ctx := context.Background()

	if _, err := CheckIn(ctx, store, key, "p1", nil); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	res, err := CheckIn(ctx, store, key, "p1", nil)
	if err != nil {
		t.Fatalf("duplicate check-in: %v", err)
	}
	if res.Fired {
		t.Fatal("duplicate check-in must not fire")
	}

	sp, err := store.GetSyncPoint(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sp.Satisfied) != 1 {
		t.Fatalf("duplicate check-in double-counted: %v", sp.Satisfied)
	}
}

func TestCheckInDuplicateAfterFireDoesNotRefire(t *testing.T) {
	store := newMemStore()
	key := seedBarrier(t, store, "p1")
	ctx := context.Background()

	res, err := CheckIn(ctx, store, key, "p1", nil)
	if err != nil || !res.Fired {
		t.Fatalf("expected fire, got %+v, %v", res, err)
	}
	res, err = CheckIn(ctx, store, key, "p1", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Fired {
		t.Fatal("replayed check-in fired a second time")
	}
}

func TestCheckInRejectsUnknownPredecessor(t *testing.T) {
	store := newMemStore()
	key := seedBarrier(t, store, "p1")

	_, err := CheckIn(context.Background(), store, key, "stranger", nil)
	if err == nil {
		t.Fatal("expected error for unknown predecessor")
	}
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestCheckInMissingBarrierIsConflict(t *testing.T) {
	store := newMemStore()
	key := SyncPointKey{EntityID: "ent-x", TraversalID: "trav-gone", Forward: true}

	_, err := CheckIn(context.Background(), store, key, "p1", nil)
	if err == nil {
		t.Fatal("expected error for missing barrier")
	}
	if !IsConflict(err) {
		t.Fatalf("expected conflict classification, got %v", err)
	}
}

// Many predecessors racing: exactly one check-in observes the fire.
func TestCheckInConcurrentFiresOnce(t *testing.T) {
	store := newMemStore()
	preds := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	key := seedBarrier(t, store, preds...)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fires := 0
	for _, p := range preds {
		wg.Add(1)
		go func(pred string) {
			defer wg.Done()
			res, err := CheckIn(ctx, store, key, pred, nil)
			if err != nil {
				t.Errorf("check-in %s: %v", pred, err)
				return
			}
			if res.Fired {
				mu.Lock()
				fires++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if fires != 1 {
		t.Fatalf("expected exactly one fire, got %d", fires)
	}
	sp, err := store.GetSyncPoint(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sp.Remaining() != 0 {
		t.Fatalf("expected all predecessors recorded, %d remaining", sp.Remaining())
	}
}

func TestSeedSyncPointsSkipsRoots(t *testing.T) {
	store := newMemStore()
	d := NewDiffer(NewRegistry())
	target := graphOf(
		gnode("a", "sim.node", ""),
		gnode("b", "sim.node", "", "a"),
	)
	plan, err := d.Diff("stack-1", "trav-1", nil, target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if err := SeedSyncPoints(context.Background(), store, plan); err != nil {
		t.Fatalf("seed: %v", err)
	}

	a := planNode(t, plan, "a", ActionCreate)
	b := planNode(t, plan, "b", ActionCreate)
	if _, err := store.GetSyncPoint(context.Background(), SyncPointKey{EntityID: a.EntityID, TraversalID: "trav-1", Forward: true}); err == nil {
		t.Fatal("root must not get a barrier")
	}
	sp, err := store.GetSyncPoint(context.Background(), SyncPointKey{EntityID: b.EntityID, TraversalID: "trav-1", Forward: true})
	if err != nil {
		t.Fatalf("expected barrier for b: %v", err)
	}
	if len(sp.Expected) != 1 || sp.Expected[0] != a.EntityID {
		t.Fatalf("unexpected expected set: %v", sp.Expected)
	}
}
