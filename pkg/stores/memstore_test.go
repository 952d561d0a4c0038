package stores

import (
	"context"
	"testing"

	"github.com/openstrata/strata/pkg/engine"
)

func TestMemStoreImplementsStore(t *testing.T) {
	var _ engine.Store = NewMemStore()
}

func TestMemStoreClaimCAS(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.CreateEntity(ctx, &engine.Entity{ID: "ent-1", Name: "vm", StackID: "stack-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	key, err := m.ClaimEntity(ctx, "ent-1", 1, "engine-a", "trav-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if key != 2 {
		t.Fatalf("expected key 2, got %d", key)
	}

	if _, err := m.ClaimEntity(ctx, "ent-1", 1, "engine-b", "trav-1"); !engine.IsConflict(err) {
		t.Fatalf("expected conflict for stale key, got %v", err)
	}
}

func TestMemStorePrepareBumpsKeyAndKeepsProperties(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.CreateEntity(ctx, &engine.Entity{
		ID: "ent-1", Name: "vm", StackID: "stack-1",
		Properties: []byte(`{"size":"small"}`),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.PrepareEntity(ctx, &engine.Entity{
		ID: "ent-1", Name: "vm", StackID: "stack-1",
		Action: engine.ActionUpdate, Status: engine.StatusInProgress, TraversalID: "trav-2",
	}); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	e, err := m.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.AtomicKey != 2 || e.TraversalID != "trav-2" {
		t.Fatalf("unexpected entity after prepare: %+v", e)
	}
	if string(e.Properties) != `{"size":"small"}` {
		t.Fatalf("empty prepare properties must preserve existing ones, got %s", e.Properties)
	}
}

func TestMemStoreTraversalPointerCAS(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.CreateStack(ctx, &engine.Stack{ID: "stack-1", Name: "web"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.UpdateStackTraversal(ctx, "stack-1", "", "trav-1", nil, nil, engine.ActionCreate); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := m.UpdateStackTraversal(ctx, "stack-1", "", "trav-2", nil, nil, engine.ActionUpdate); !engine.IsConflict(err) {
		t.Fatalf("expected conflict for stale pointer, got %v", err)
	}
	if err := m.SetStackStatus(ctx, "stack-1", "trav-0", engine.ActionCreate, engine.StatusComplete, ""); !engine.IsConflict(err) {
		t.Fatalf("expected conflict for wrong traversal, got %v", err)
	}
}

func TestMemStoreLockAndEvents(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.AcquireStackLock(ctx, "stack-1", "engine-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.AcquireStackLock(ctx, "stack-1", "engine-a"); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	if err := m.AcquireStackLock(ctx, "stack-1", "engine-b"); !engine.IsConflict(err) {
		t.Fatalf("expected conflict for rival, got %v", err)
	}
	if err := m.ReleaseStackLock(ctx, "stack-1", "engine-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	for _, typ := range []string{"a", "b", "c"} {
		if err := m.AppendEvent(ctx, &Event{Type: typ, StackID: "stack-1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := m.ListEvents(ctx, "stack-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != "c" || events[1].Type != "b" {
		t.Fatalf("expected newest first, got %+v", events)
	}
}
