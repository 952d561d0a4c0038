package engine

import (
	"context"
	"testing"
	"time"
)

// dispatchEnv wires a dispatcher over the in-memory store with a plan
// already prepared and seeded.
type dispatchEnv struct {
	store   *memStore
	handler *mockHandler
	disp    *Dispatcher
	plan    *Plan
	results chan TaskResult
	cancel  context.CancelFunc
}

func newDispatchEnv(t *testing.T, target *Graph) *dispatchEnv {
	t.Helper()
	return newDispatchEnvConfig(t, testConfig(), target)
}

func newDispatchEnvConfig(t *testing.T, cfg DispatcherConfig, target *Graph) *dispatchEnv {
	t.Helper()
	store := newMemStore()
	handler := newMockHandler()
	reg := NewRegistry()
	for _, n := range target.Nodes {
		// Re-registering the same tag across nodes is fine to skip.
		_ = reg.Register(n.Type, handler)
	}

	plan, err := NewDiffer(reg).Diff("stack-1", "trav-1", nil, target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	ctx := context.Background()
	for _, n := range plan.Nodes {
		if err := store.PrepareEntity(ctx, entityForNode("stack-1", "trav-1", n, nil)); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}
	if err := SeedSyncPoints(ctx, store, plan); err != nil {
		t.Fatalf("seed: %v", err)
	}

	env := &dispatchEnv{
		store:   store,
		handler: handler,
		plan:    plan,
		results: make(chan TaskResult, len(plan.Nodes)*2),
	}
	env.disp = NewDispatcher(store, reg, cfg, nil, func(ctx context.Context, res TaskResult) {
		env.results <- res
	})
	runCtx, cancel := context.WithCancel(ctx)
	env.cancel = cancel
	if err := env.disp.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		env.disp.Stop()
	})
	return env
}

func (e *dispatchEnv) dispatchRoots(t *testing.T) {
	t.Helper()
	for _, root := range e.plan.Roots() {
		if err := e.disp.Dispatch(context.Background(), e.plan, root, nil); err != nil {
			t.Fatalf("dispatch %s: %v", root, err)
		}
	}
}

func (e *dispatchEnv) waitResults(t *testing.T, n int) []TaskResult {
	t.Helper()
	out := make([]TaskResult, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case res := <-e.results:
			out = append(out, res)
		case <-deadline:
			t.Fatalf("timed out waiting for %d results, got %d", n, len(out))
		}
	}
	return out
}

func TestDispatchCreateCompletes(t *testing.T) {
	env := newDispatchEnv(t, graphOf(gnode("vm", "sim.instance", `{"size":"small"}`)))
	env.dispatchRoots(t)

	res := env.waitResults(t, 1)[0]
	if res.State != TaskDone || res.Abandoned {
		t.Fatalf("unexpected result: %+v", res)
	}

	vm := planNode(t, env.plan, "vm", ActionCreate)
	ent, err := env.store.GetEntity(context.Background(), vm.EntityID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ent.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", ent.Status, ent.StatusReason)
	}
	if ent.ProviderRef != "ref-vm" {
		t.Fatalf("provider ref not recorded: %q", ent.ProviderRef)
	}
}

func TestDispatchPollsUntilComplete(t *testing.T) {
	env := newDispatchEnv(t, graphOf(gnode("vm", "sim.instance", "")))
	env.handler.mu.Lock()
	env.handler.pollsLeft["vm"] = 3
	env.handler.mu.Unlock()

	env.dispatchRoots(t)
	res := env.waitResults(t, 1)[0]
	if res.State != TaskDone {
		t.Fatalf("unexpected result: %+v", res)
	}

	env.handler.mu.Lock()
	checks := env.handler.checkCounts["vm"]
	env.handler.mu.Unlock()
	if checks < 4 {
		t.Fatalf("expected at least 4 completion checks, got %d", checks)
	}
}

func TestDispatchSuccessorRunsAfterPredecessor(t *testing.T) {
	env := newDispatchEnv(t, graphOf(
		gnode("net", "sim.network", ""),
		gnode("vm", "sim.instance", "", "net"),
	))
	env.dispatchRoots(t)
	env.waitResults(t, 2)

	order := env.handler.order()
	if len(order) != 2 || order[0] != "create:net" || order[1] != "create:vm" {
		t.Fatalf("wrong dispatch order: %v", order)
	}

	// The fired successor receives its predecessor's output.
	vm := planNode(t, env.plan, "vm", ActionCreate)
	ent, _ := env.store.GetEntity(context.Background(), vm.EntityID)
	if ent.Status != StatusComplete {
		t.Fatalf("successor did not complete: %s", ent.Status)
	}
}

func TestDispatchFanOutWiderThanQueue(t *testing.T) {
	// One predecessor fires three successors at once. The lone worker
	// must not block handing them to its own full queue.
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	env := newDispatchEnvConfig(t, cfg, graphOf(
		gnode("net", "sim.network", ""),
		gnode("vm-a", "sim.instance", "", "net"),
		gnode("vm-b", "sim.instance", "", "net"),
		gnode("vm-c", "sim.instance", "", "net"),
	))
	env.dispatchRoots(t)

	for _, res := range env.waitResults(t, 4) {
		if res.State != TaskDone || res.Abandoned {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
}

func TestDispatchAfterStopIsRefused(t *testing.T) {
	env := newDispatchEnv(t, graphOf(gnode("vm", "sim.instance", "")))
	env.cancel()
	env.disp.Stop()

	err := env.disp.Dispatch(context.Background(), env.plan, env.plan.Roots()[0], nil)
	if err == nil {
		t.Fatal("expected dispatch on a stopped dispatcher to fail")
	}
}

func TestDispatchPermanentFailure(t *testing.T) {
	env := newDispatchEnv(t, graphOf(gnode("vm", "sim.instance", "")))
	env.handler.mu.Lock()
	env.handler.beginErrs["vm"] = NewPermanentError("quota exceeded", nil)
	env.handler.mu.Unlock()

	env.dispatchRoots(t)
	res := env.waitResults(t, 1)[0]
	if res.State != TaskFailed {
		t.Fatalf("expected failure, got %+v", res)
	}

	vm := planNode(t, env.plan, "vm", ActionCreate)
	ent, _ := env.store.GetEntity(context.Background(), vm.EntityID)
	if ent.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", ent.Status)
	}
	if ent.StatusReason == "" {
		t.Fatal("expected failure reason recorded")
	}
}

func TestDispatchTransientCheckFailsAfterMaxAttempts(t *testing.T) {
	env := newDispatchEnv(t, graphOf(gnode("vm", "sim.instance", "")))
	env.handler.mu.Lock()
	env.handler.checkErrs["vm"] = NewTransientError("provider flake", nil)
	env.handler.mu.Unlock()

	env.dispatchRoots(t)
	res := env.waitResults(t, 1)[0]
	if res.State != TaskFailed {
		t.Fatalf("expected failure after retries, got %+v", res)
	}
}

func TestDispatchAbandonsOnStolenClaim(t *testing.T) {
	env := newDispatchEnv(t, graphOf(gnode("vm", "sim.instance", "")))
	vm := planNode(t, env.plan, "vm", ActionCreate)

	// Another engine claims the entity first.
	ent, _ := env.store.GetEntity(context.Background(), vm.EntityID)
	if _, err := TryClaim(context.Background(), env.store, vm.EntityID, ent.AtomicKey, "engine-other", "trav-other"); err != nil {
		t.Fatalf("rival claim: %v", err)
	}

	env.dispatchRoots(t)
	res := env.waitResults(t, 1)[0]
	if !res.Abandoned {
		t.Fatalf("expected abandonment, got %+v", res)
	}
	if res.State == TaskFailed {
		t.Fatal("lost claim must not surface as a failure")
	}
}

func TestDispatchDeleteTombstonesEntity(t *testing.T) {
	store := newMemStore()
	handler := newMockHandler()
	reg := NewRegistry()
	_ = reg.Register("sim.instance", handler)

	old := graphOf(gnode("vm", "sim.instance", `{"size":"small"}`))
	old.Nodes["vm"].EntityID = "ent-vm"
	ctx := context.Background()
	if err := store.CreateEntity(ctx, &Entity{ID: "ent-vm", Name: "vm", Type: "sim.instance", StackID: "stack-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	plan, err := NewDiffer(reg).Diff("stack-1", "trav-2", old, graphOf())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	for _, n := range plan.Nodes {
		if err := store.PrepareEntity(ctx, entityForNode("stack-1", "trav-2", n, nil)); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}

	results := make(chan TaskResult, 1)
	disp := NewDispatcher(store, reg, testConfig(), nil, func(ctx context.Context, res TaskResult) {
		results <- res
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := disp.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer disp.Stop()

	if err := disp.Dispatch(ctx, plan, "ent-vm", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case res := <-results:
		if res.State != TaskDone {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	ents, _ := store.ListEntities(ctx, "stack-1")
	if len(ents) != 0 {
		t.Fatalf("deleted entity still listed: %+v", ents[0])
	}
}
