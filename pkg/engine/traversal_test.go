package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

// convergeEnv wires a controller over the in-memory store.
type convergeEnv struct {
	store   *memStore
	handler *mockHandler
	sink    *recordSink
	ctrl    *Controller
	stack   *Stack
}

func newConvergeEnv(t *testing.T, rollbackEnabled bool, types ...string) *convergeEnv {
	t.Helper()
	store := newMemStore()
	handler := newMockHandler()
	reg := NewRegistry()
	for _, typ := range types {
		if err := reg.Register(typ, handler); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}
	sink := &recordSink{}
	ctrl := NewController(store, reg, testConfig(), sink)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(ctrl.Stop)

	stack, err := ctrl.EnsureStack(context.Background(), "test-stack", rollbackEnabled)
	if err != nil {
		t.Fatalf("ensure stack: %v", err)
	}
	return &convergeEnv{store: store, handler: handler, sink: sink, ctrl: ctrl, stack: stack}
}

func (e *convergeEnv) mustConverge(t *testing.T, g *Graph) string {
	t.Helper()
	tid, err := e.ctrl.Converge(context.Background(), e.stack.ID, g)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	return tid
}

func (e *convergeEnv) awaitStatus(t *testing.T, status Status) *Stack {
	t.Helper()
	s, ok := waitForStackStatus(e.store, e.stack.ID, status, 5*time.Second)
	if !ok {
		t.Fatalf("stack never reached %s, at %s (%s)", status, s.Status, s.StatusReason)
	}
	return s
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// Diamond graph: b and c fan out from a, d fans in behind both.
func TestConvergeDiamondOrdering(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.node")
	env.mustConverge(t, graphOf(
		gnode("a", "sim.node", ""),
		gnode("b", "sim.node", "", "a"),
		gnode("c", "sim.node", "", "a"),
		gnode("d", "sim.node", "", "b", "c"),
	))
	env.awaitStatus(t, StatusComplete)

	order := env.handler.order()
	ia, ib := indexOf(order, "create:a"), indexOf(order, "create:b")
	ic, id := indexOf(order, "create:c"), indexOf(order, "create:d")
	if ia == -1 || ib == -1 || ic == -1 || id == -1 {
		t.Fatalf("missing dispatches: %v", order)
	}
	if ia > ib || ia > ic {
		t.Fatalf("a must precede its dependents: %v", order)
	}
	if id < ib || id < ic {
		t.Fatalf("d must wait for both b and c: %v", order)
	}

	if fired := env.sink.byType(EventSyncPointFired); len(fired) != 3 {
		t.Fatalf("expected 3 sync point fires, got %d", len(fired))
	}
}

func TestConvergeEmptyDiffCompletesImmediately(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.node")
	env.mustConverge(t, graphOf(gnode("a", "sim.node", `{"v":1}`)))
	env.awaitStatus(t, StatusComplete)

	tid2 := env.mustConverge(t, graphOf(gnode("a", "sim.node", `{"v":1}`)))
	s := env.awaitStatus(t, StatusComplete)
	if s.CurrentTraversalID != tid2 {
		t.Fatalf("traversal pointer not advanced: %s", s.CurrentTraversalID)
	}
	// Nothing dispatched the second time.
	if order := env.handler.order(); len(order) != 1 {
		t.Fatalf("no-op converge dispatched work: %v", order)
	}
}

// One branch fails, the independent branch still converges, and the
// failed entity's successors never run.
func TestConvergeFailurePropagation(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.node")
	env.handler.mu.Lock()
	env.handler.beginErrs["bad"] = NewPermanentError("provider rejected", nil)
	env.handler.mu.Unlock()

	env.mustConverge(t, graphOf(
		gnode("a", "sim.node", ""),
		gnode("bad", "sim.node", "", "a"),
		gnode("ok", "sim.node", "", "a"),
		gnode("child", "sim.node", "", "bad"),
	))
	s := env.awaitStatus(t, StatusFailed)
	if !strings.Contains(s.StatusReason, "bad") {
		t.Fatalf("failure reason should name the entity: %q", s.StatusReason)
	}

	order := env.handler.order()
	if indexOf(order, "create:ok") == -1 {
		t.Fatalf("independent branch did not proceed: %v", order)
	}
	if indexOf(order, "create:child") != -1 {
		t.Fatalf("successor of failed entity must not run: %v", order)
	}
}

// A converge while one is in flight supersedes it; the final state is
// the second target and the superseded work surfaces no failures.
func TestConvergeSupersession(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.node")
	env.handler.mu.Lock()
	env.handler.pollsLeft["slow"] = 200
	env.handler.mu.Unlock()

	env.mustConverge(t, graphOf(gnode("slow", "sim.node", `{"v":1}`)))
	time.Sleep(5 * time.Millisecond)

	env.handler.mu.Lock()
	env.handler.pollsLeft["slow"] = 0
	env.handler.mu.Unlock()
	tid2 := env.mustConverge(t, graphOf(gnode("slow", "sim.node", `{"v":2}`)))

	s := env.awaitStatus(t, StatusComplete)
	if s.CurrentTraversalID != tid2 {
		t.Fatalf("expected second traversal to win, got %s", s.CurrentTraversalID)
	}
	if s.Status == StatusFailed {
		t.Fatalf("superseded traversal leaked a failure: %s", s.StatusReason)
	}

	node := s.CurrentGraph.Nodes["slow"]
	ent, err := env.store.GetEntity(context.Background(), node.EntityID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(ent.Properties) != `{"v":2}` {
		t.Fatalf("entity did not converge to second target: %s", ent.Properties)
	}
}

// Removing a dependency chain deletes dependents first and purges the
// rows once the traversal lands.
func TestConvergeDeleteTeardown(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.node")
	env.mustConverge(t, graphOf(
		gnode("base", "sim.node", ""),
		gnode("leaf", "sim.node", "", "base"),
	))
	env.awaitStatus(t, StatusComplete)

	env.mustConverge(t, graphOf())
	s := env.awaitStatus(t, StatusComplete)
	if s.Action != ActionDelete {
		t.Fatalf("expected DELETE stack action, got %s", s.Action)
	}

	order := env.handler.order()
	il, ib := indexOf(order, "delete:leaf"), indexOf(order, "delete:base")
	if il == -1 || ib == -1 || il > ib {
		t.Fatalf("wrong teardown order: %v", order)
	}

	ents, _ := env.store.ListEntities(context.Background(), env.stack.ID)
	if len(ents) != 0 {
		t.Fatalf("expected tombstones purged, got %d entities", len(ents))
	}
}

// Replacement: new entity first, dependent rewires, then the old entity
// goes away.
func TestConvergeReplacementOrdering(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.network", "sim.subnet", "sim.instance")
	env.mustConverge(t, graphOf(
		gnode("net", "sim.network", `{"cidr":"10.0.0.0/24"}`),
		gnode("vm", "sim.instance", `{"size":"small"}`, "net"),
	))
	env.awaitStatus(t, StatusComplete)

	env.mustConverge(t, graphOf(
		gnode("net", "sim.subnet", `{"cidr":"10.0.0.0/24"}`),
		gnode("vm", "sim.instance", `{"size":"small"}`, "net"),
	))
	s := env.awaitStatus(t, StatusComplete)

	order := env.handler.order()
	ic := indexOf(order[2:], "create:net") + 2 // skip the first traversal's dispatches
	iu := indexOf(order, "update:vm")
	id := indexOf(order, "delete:net")
	if ic < 2 || iu == -1 || id == -1 {
		t.Fatalf("missing replacement dispatches: %v", order)
	}
	if !(ic < iu && iu < id) {
		t.Fatalf("replacement order wrong: %v", order)
	}

	// The snapshot now points at the replacement entity.
	node := s.CurrentGraph.Nodes["net"]
	ent, err := env.store.GetEntity(context.Background(), node.EntityID)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if ent.Type != "sim.subnet" {
		t.Fatalf("expected replacement type, got %s", ent.Type)
	}
}

// A failed traversal on a rollback-enabled stack converges back to the
// previous graph.
func TestConvergeAutoRollback(t *testing.T) {
	env := newConvergeEnv(t, true, "sim.node")
	env.mustConverge(t, graphOf(gnode("vm", "sim.node", `{"v":1}`)))
	env.awaitStatus(t, StatusComplete)

	env.handler.mu.Lock()
	env.handler.beginErrs["create:bad"] = NewPermanentError("provider rejected", nil)
	env.handler.mu.Unlock()

	env.mustConverge(t, graphOf(
		gnode("vm", "sim.node", `{"v":1}`),
		gnode("bad", "sim.node", ""),
	))

	s := env.awaitStatus(t, StatusComplete)
	if _, ok := s.CurrentGraph.Nodes["bad"]; ok {
		t.Fatal("rollback left the failed node in the graph")
	}
	if len(env.sink.byType(EventRollbackStarted)) == 0 {
		t.Fatal("expected rollback event")
	}
	if len(env.sink.byType(EventTraversalFailed)) == 0 {
		t.Fatal("expected failed traversal event")
	}
}

func TestRollbackWithoutPrevGraphFails(t *testing.T) {
	env := newConvergeEnv(t, true, "sim.node")
	if _, err := env.ctrl.Rollback(context.Background(), env.stack.ID); err == nil {
		t.Fatal("expected error rolling back a fresh stack")
	}
}

func TestEnsureStackIsIdempotent(t *testing.T) {
	env := newConvergeEnv(t, false, "sim.node")
	again, err := env.ctrl.EnsureStack(context.Background(), "test-stack", false)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if again.ID != env.stack.ID {
		t.Fatal("EnsureStack minted a duplicate stack")
	}
}
