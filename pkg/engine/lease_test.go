package engine

import (
	"context"
	"sync"
	"testing"
)

func TestTryClaimAdvancesKey(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := store.CreateEntity(ctx, &Entity{ID: "ent-1", Name: "vm", StackID: "stack-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claim, err := TryClaim(ctx, store, "ent-1", 1, "engine-a", "trav-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Key != 2 {
		t.Fatalf("expected key 2, got %d", claim.Key)
	}

	ent, err := store.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ent.EngineID != "engine-a" || ent.TraversalID != "trav-1" {
		t.Fatalf("claim not recorded: %+v", ent)
	}
}

func TestTryClaimStaleKeyIsConflict(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := store.CreateEntity(ctx, &Entity{ID: "ent-1", Name: "vm", StackID: "stack-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := TryClaim(ctx, store, "ent-1", 1, "engine-a", "trav-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := TryClaim(ctx, store, "ent-1", 1, "engine-b", "trav-1")
	if err == nil {
		t.Fatal("expected conflict for stale key")
	}
	if !IsConflict(err) {
		t.Fatalf("expected conflict classification, got %v", err)
	}
}

// N workers racing on the same observed key: exactly one wins.
func TestTryClaimExactlyOneWinner(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := store.CreateEntity(ctx, &Entity{ID: "ent-1", Name: "vm", StackID: "stack-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := TryClaim(ctx, store, "ent-1", 1, "engine-x", "trav-1")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !IsConflict(err) {
				t.Errorf("loser got non-conflict error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

// A write guarded by a superseded claim's key must be rejected.
func TestSupersededClaimCannotWrite(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := store.CreateEntity(ctx, &Entity{ID: "ent-1", Name: "vm", StackID: "stack-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale, err := TryClaim(ctx, store, "ent-1", 1, "engine-a", "trav-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// A newer traversal re-prepares the entity, bumping the key.
	if err := store.PrepareEntity(ctx, &Entity{ID: "ent-1", Name: "vm", StackID: "stack-1", Action: ActionUpdate, Status: StatusInProgress, TraversalID: "trav-2"}); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	err = store.SetEntityStatus(ctx, "ent-1", stale.Key, StatusComplete, "")
	if err == nil {
		t.Fatal("stale claim holder wrote through")
	}
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
