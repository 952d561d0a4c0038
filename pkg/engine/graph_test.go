package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateGraphAcceptsDAG(t *testing.T) {
	g := graphOf(
		gnode("net", "sim.network", `{"cidr":"10.0.0.0/24"}`),
		gnode("vm", "sim.instance", `{"size":"small"}`, "net"),
		gnode("dns", "sim.record", "", "vm"),
	)
	if err := ValidateGraph(g); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateGraphRejectsNil(t *testing.T) {
	if err := ValidateGraph(nil); err == nil {
		t.Fatal("expected error for nil graph")
	}
}

func TestValidateGraphRejectsUndeclaredRequire(t *testing.T) {
	g := graphOf(gnode("vm", "sim.instance", "", "missing"))
	err := ValidateGraph(g)
	if err == nil {
		t.Fatal("expected error for undeclared requirement")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeValidation {
		t.Fatalf("expected validation code, got %v", err)
	}
}

func TestValidateGraphRejectsSelfRequire(t *testing.T) {
	g := graphOf(gnode("vm", "sim.instance", "", "vm"))
	err := ValidateGraph(g)
	if err == nil {
		t.Fatal("expected error for self requirement")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeCycle {
		t.Fatalf("expected cycle code, got %v", err)
	}
}

func TestValidateGraphRejectsCycle(t *testing.T) {
	g := graphOf(
		gnode("a", "sim.node", "", "c"),
		gnode("b", "sim.node", "", "a"),
		gnode("c", "sim.node", "", "b"),
	)
	err := ValidateGraph(g)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeCycle {
		t.Fatalf("expected cycle code, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Fatalf("expected cycle path in message, got %q", err.Error())
	}
}

func TestValidateGraphRejectsDuplicateRequire(t *testing.T) {
	g := graphOf(
		gnode("a", "sim.node", ""),
		gnode("b", "sim.node", "", "a", "a"),
	)
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected error for duplicate requirement")
	}
}

func TestValidateGraphRejectsEmptyType(t *testing.T) {
	g := graphOf(gnode("a", "", ""))
	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestRequiredByInvertsEdges(t *testing.T) {
	g := graphOf(
		gnode("a", "sim.node", ""),
		gnode("b", "sim.node", "", "a"),
		gnode("c", "sim.node", "", "a", "b"),
	)
	rev := requiredBy(g)
	if len(rev["a"]) != 2 {
		t.Fatalf("expected 2 dependents of a, got %v", rev["a"])
	}
	if len(rev["c"]) != 0 {
		t.Fatalf("expected no dependents of c, got %v", rev["c"])
	}
}

func TestPlanCycleDetection(t *testing.T) {
	plan := &Plan{Nodes: map[string]*PlanNode{
		"x": {EntityID: "x", Requires: []string{"y"}},
		"y": {EntityID: "y", Requires: []string{"x"}},
	}}
	if cycle := planCycle(plan); cycle == nil {
		t.Fatal("expected cycle in plan")
	}

	plan = &Plan{Nodes: map[string]*PlanNode{
		"x": {EntityID: "x", Requires: []string{"y"}},
		"y": {EntityID: "y"},
	}}
	if cycle := planCycle(plan); cycle != nil {
		t.Fatalf("expected no cycle, got %v", cycle)
	}
}

func TestPlanToDOT(t *testing.T) {
	plan := &Plan{Nodes: map[string]*PlanNode{
		"e1": {EntityID: "e1", Name: "net", Action: ActionCreate},
		"e2": {EntityID: "e2", Name: "vm", Action: ActionDelete, Requires: []string{"e1"}},
	}}
	dot := plan.ToDOT()
	if !strings.Contains(dot, "digraph") {
		t.Fatal("expected digraph header")
	}
	if !strings.Contains(dot, `"e1" -> "e2"`) {
		t.Fatalf("expected edge in output:\n%s", dot)
	}
}
