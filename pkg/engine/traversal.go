package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Controller owns the traversal lifecycle: it plans, installs the
// traversal pointer, prepares entity records, seeds sync points, and
// dispatches the plan roots. There is exactly one authoritative
// traversal per stack; a converge request while one is in flight
// supersedes it, and the superseded traversal's workers discover this
// through stale claims and quietly stop.
type Controller struct {
	store      Store
	differ     *Differ
	dispatcher *Dispatcher
	sink       EventSink
	engineID   string

	mu     sync.Mutex
	active map[string]*traversalState
}

// traversalState is the controller's in-memory bookkeeping for one
// traversal it started.
type traversalState struct {
	plan       *Plan
	stackID    string
	id         string
	action     Action
	isRollback bool

	completed map[string]bool
	failed    map[string]string
	doomed    map[string]bool
	cancelled bool
	finalized bool
}

// NewController wires a controller with its own dispatcher.
func NewController(store Store, registry *Registry, cfg DispatcherConfig, sink EventSink) *Controller {
	c := &Controller{
		store:    store,
		differ:   NewDiffer(registry),
		sink:     sink,
		engineID: cfg.EngineID,
		active:   make(map[string]*traversalState),
	}
	c.dispatcher = NewDispatcher(store, registry, cfg, sink, c.onResult)
	return c
}

// Start launches the dispatch workers.
func (c *Controller) Start(ctx context.Context) error {
	return c.dispatcher.Start(ctx)
}

// Stop drains and stops the dispatch workers.
func (c *Controller) Stop() {
	c.dispatcher.Stop()
}

// Wait blocks until no dispatched work remains in flight.
func (c *Controller) Wait() {
	c.dispatcher.Wait()
}

// EnsureStack returns the named stack, creating it if absent.
func (c *Controller) EnsureStack(ctx context.Context, name string, rollbackEnabled bool) (*Stack, error) {
	s, err := c.store.GetStackByName(ctx, name)
	if err == nil {
		return s, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	s = &Stack{
		ID:              uuid.New().String(),
		Name:            name,
		Action:          ActionCreate,
		Status:          StatusComplete,
		RollbackEnabled: rollbackEnabled,
	}
	if err := c.store.CreateStack(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Converge starts a traversal moving the stack toward the given graph.
// Returns the new traversal ID. A conflict means another controller
// advanced the stack concurrently; the caller may re-read and retry.
func (c *Controller) Converge(ctx context.Context, stackID string, graph *Graph) (string, error) {
	if err := ValidateGraph(graph); err != nil {
		return "", err
	}
	if err := c.store.AcquireStackLock(ctx, stackID, c.engineID); err != nil {
		return "", err
	}
	defer c.store.ReleaseStackLock(ctx, stackID, c.engineID)

	stack, err := c.store.GetStack(ctx, stackID)
	if err != nil {
		return "", err
	}
	return c.converge(ctx, stack, graph, false)
}

// Rollback starts a traversal converging the stack back to its previous
// known-good graph.
func (c *Controller) Rollback(ctx context.Context, stackID string) (string, error) {
	if err := c.store.AcquireStackLock(ctx, stackID, c.engineID); err != nil {
		return "", err
	}
	defer c.store.ReleaseStackLock(ctx, stackID, c.engineID)

	stack, err := c.store.GetStack(ctx, stackID)
	if err != nil {
		return "", err
	}
	if stack.PrevGraph == nil {
		return "", NewPermanentError("stack has no previous graph to roll back to", nil).
			WithCode(ErrCodeValidation)
	}
	c.publish(ctx, ControlEvent{
		Type:    EventRollbackStarted,
		StackID: stack.ID,
		Message: "rolling back to previous graph",
		Level:   "warning",
	})
	return c.converge(ctx, stack, stack.PrevGraph, true)
}

// converge is the shared traversal start path. The caller holds the
// stack lock and passes the freshly read stack record.
func (c *Controller) converge(ctx context.Context, stack *Stack, graph *Graph, isRollback bool) (string, error) {
	traversalID := uuid.New().String()
	oldGraph := stack.CurrentGraph

	plan, err := c.differ.Diff(stack.ID, traversalID, oldGraph, graph)
	if err != nil {
		return "", err
	}

	action := ActionUpdate
	if oldGraph == nil || len(oldGraph.Nodes) == 0 {
		action = ActionCreate
	}
	if isRollback {
		action = ActionUpdate
	}
	if len(graph.Nodes) == 0 && oldGraph != nil {
		action = ActionDelete
	}

	realized := realizeGraph(oldGraph, graph, plan)
	prevGraph := oldGraph
	if isRollback {
		// Keep pointing at the known-good target so a failed rollback can
		// be retried toward the same graph.
		prevGraph = stack.PrevGraph
	}

	if err := c.store.UpdateStackTraversal(ctx, stack.ID, stack.CurrentTraversalID, traversalID, realized, prevGraph, action); err != nil {
		return "", err
	}

	// Any in-flight traversal is now superseded: drop its barriers and
	// stop tracking it. Its workers find their claims stale.
	if stack.CurrentTraversalID != "" {
		if _, err := c.store.DeleteSyncPoints(ctx, stack.CurrentTraversalID); err != nil {
			return "", err
		}
		c.cancelTraversal(stack.CurrentTraversalID)
	}
	if oldGraph != nil && !isRollback {
		if err := c.store.SetStackBackup(ctx, stack.ID, true); err != nil {
			return "", err
		}
	}

	replacedBy := make(map[string]string)
	for _, n := range plan.Nodes {
		if n.Replaces != "" {
			replacedBy[n.Replaces] = n.EntityID
		}
	}
	for _, n := range plan.Nodes {
		if err := c.store.PrepareEntity(ctx, entityForNode(stack.ID, traversalID, n, replacedBy)); err != nil {
			return "", err
		}
	}
	if err := SeedSyncPoints(ctx, c.store, plan); err != nil {
		return "", err
	}

	st := &traversalState{
		plan:       plan,
		stackID:    stack.ID,
		id:         traversalID,
		action:     action,
		isRollback: isRollback,
		completed:  make(map[string]bool),
		failed:     make(map[string]string),
		doomed:     make(map[string]bool),
	}
	c.mu.Lock()
	c.active[traversalID] = st
	c.mu.Unlock()

	if err := c.store.SetStackStatus(ctx, stack.ID, traversalID, action, StatusInProgress, ""); err != nil {
		return "", err
	}
	c.publish(ctx, ControlEvent{
		Type:        EventTraversalStarted,
		StackID:     stack.ID,
		TraversalID: traversalID,
		Message:     fmt.Sprintf("traversal started: %s", summarize(plan)),
		Level:       "info",
		Data:        map[string]interface{}{"summary": plan.Summary(), "warnings": plan.Warnings},
	})

	if len(plan.Nodes) == 0 {
		c.maybeFinalize(ctx, st)
		return traversalID, nil
	}

	for _, root := range plan.Roots() {
		if err := c.dispatcher.Dispatch(ctx, plan, root, nil); err != nil {
			return traversalID, err
		}
	}
	return traversalID, nil
}

// onResult is the dispatcher's completion callback.
func (c *Controller) onResult(ctx context.Context, res TaskResult) {
	c.mu.Lock()
	st, ok := c.active[res.TraversalID]
	if !ok || st.cancelled || st.finalized {
		c.mu.Unlock()
		return
	}
	switch {
	case res.Abandoned:
		// Another owner took over; this traversal is no longer ours to
		// finalize.
		st.cancelled = true
		c.mu.Unlock()
		return
	case res.State == TaskDone:
		st.completed[res.EntityID] = true
	case res.State == TaskFailed:
		st.failed[res.EntityID] = res.Reason
		c.doomSuccessors(st, res.EntityID)
	}
	c.mu.Unlock()

	c.maybeFinalize(ctx, st)
}

// doomSuccessors marks every transitive successor of a failed entity as
// unreachable for this traversal. Independent branches keep going.
// Caller holds c.mu.
func (c *Controller) doomSuccessors(st *traversalState, entityID string) {
	stack := append([]string(nil), st.plan.Nodes[entityID].RequiredBy...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if st.doomed[id] {
			continue
		}
		st.doomed[id] = true
		if n, ok := st.plan.Nodes[id]; ok {
			stack = append(stack, n.RequiredBy...)
		}
	}
}

// maybeFinalize settles the traversal once every plan node is accounted
// for: completed, failed, or doomed behind a failure.
func (c *Controller) maybeFinalize(ctx context.Context, st *traversalState) {
	c.mu.Lock()
	if st.cancelled || st.finalized {
		c.mu.Unlock()
		return
	}
	settled := 0
	for id := range st.plan.Nodes {
		if st.completed[id] || st.doomed[id] {
			settled++
			continue
		}
		if _, ok := st.failed[id]; ok {
			settled++
		}
	}
	if settled < len(st.plan.Nodes) {
		c.mu.Unlock()
		return
	}
	st.finalized = true
	failed := len(st.failed) > 0
	reason := st.failureReason()
	c.mu.Unlock()

	if _, err := c.store.DeleteSyncPoints(ctx, st.id); err != nil {
		c.publish(ctx, ControlEvent{
			Type: EventTraversalFailed, StackID: st.stackID, TraversalID: st.id,
			Message: "sync point cleanup failed: " + err.Error(), Level: "error",
		})
	}

	if !failed {
		// Guarded by the traversal pointer: if a newer traversal took
		// over, this write conflicts and the outcome belongs to it.
		if err := c.store.SetStackStatus(ctx, st.stackID, st.id, st.action, StatusComplete, ""); err != nil {
			if !IsConflict(err) {
				c.publish(ctx, ControlEvent{
					Type: EventTraversalFailed, StackID: st.stackID, TraversalID: st.id,
					Message: "stack status update failed: " + err.Error(), Level: "error",
				})
			}
			c.forget(st.id)
			return
		}
		if _, err := c.store.PurgeTombstones(ctx, st.stackID); err != nil {
			c.publish(ctx, ControlEvent{
				Type: EventTraversalCompleted, StackID: st.stackID, TraversalID: st.id,
				Message: "tombstone purge failed: " + err.Error(), Level: "warning",
			})
		}
		// Backup copy is released once the traversal lands.
		_ = c.store.SetStackBackup(ctx, st.stackID, false)
		c.publish(ctx, ControlEvent{
			Type: EventTraversalCompleted, StackID: st.stackID, TraversalID: st.id,
			Message: "traversal completed", Level: "info",
		})
		c.forget(st.id)
		return
	}

	if err := c.store.SetStackStatus(ctx, st.stackID, st.id, st.action, StatusFailed, reason); err != nil {
		c.forget(st.id)
		return
	}
	c.publish(ctx, ControlEvent{
		Type: EventTraversalFailed, StackID: st.stackID, TraversalID: st.id,
		Message: reason, Level: "error",
	})
	c.forget(st.id)

	if st.isRollback {
		return
	}
	stack, err := c.store.GetStack(ctx, st.stackID)
	if err != nil || !stack.RollbackEnabled || stack.PrevGraph == nil {
		return
	}
	if stack.CurrentTraversalID != st.id {
		// Superseded while failing; the newer traversal decides recovery.
		return
	}
	go func() {
		if _, err := c.Rollback(context.WithoutCancel(ctx), st.stackID); err != nil {
			c.publish(ctx, ControlEvent{
				Type: EventTraversalFailed, StackID: st.stackID,
				Message: "automatic rollback failed to start: " + err.Error(), Level: "error",
			})
		}
	}()
}

func (st *traversalState) failureReason() string {
	names := make([]string, 0, len(st.failed))
	for id := range st.failed {
		if n, ok := st.plan.Nodes[id]; ok {
			names = append(names, fmt.Sprintf("%s: %s", n.Name, st.failed[id]))
		} else {
			names = append(names, st.failed[id])
		}
	}
	sort.Strings(names)
	return "entity failures: " + strings.Join(names, "; ")
}

func (c *Controller) cancelTraversal(traversalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.active[traversalID]; ok {
		st.cancelled = true
		delete(c.active, traversalID)
	}
}

func (c *Controller) forget(traversalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, traversalID)
}

func (c *Controller) publish(ctx context.Context, ev ControlEvent) {
	if c.sink != nil {
		c.sink.Publish(ctx, ev)
	}
}

// realizeGraph snapshots the target graph with the entity IDs the plan
// assigned, so the next diff can resolve names back to entities.
// Unchanged nodes carry their IDs forward from the old snapshot.
func realizeGraph(old, target *Graph, plan *Plan) *Graph {
	byName := make(map[string]string, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if n.Forward {
			byName[n.Name] = n.EntityID
		}
	}
	out := &Graph{Nodes: make(map[string]*GraphNode, len(target.Nodes))}
	for name, node := range target.Nodes {
		cp := &GraphNode{
			Name:       node.Name,
			Type:       node.Type,
			Properties: node.Properties,
			Requires:   append([]string(nil), node.Requires...),
			EntityID:   node.EntityID,
		}
		if id, ok := byName[name]; ok {
			cp.EntityID = id
		} else if cp.EntityID == "" && old != nil {
			if prev, ok := old.Nodes[name]; ok {
				cp.EntityID = prev.EntityID
			}
		}
		out.Nodes[name] = cp
	}
	return out
}

// entityForNode builds the record PrepareEntity installs for one plan
// node. Delete nodes keep their stored properties; the store leaves
// properties untouched when none are supplied.
func entityForNode(stackID, traversalID string, n *PlanNode, replacedBy map[string]string) *Entity {
	return &Entity{
		ID:          n.EntityID,
		Name:        n.Name,
		Type:        n.Type,
		StackID:     stackID,
		Action:      n.Action,
		Status:      StatusInProgress,
		TraversalID: traversalID,
		Requires:    append([]string(nil), n.Requires...),
		NeededBy:    append([]string(nil), n.RequiredBy...),
		Replaces:    n.Replaces,
		ReplacedBy:  replacedBy[n.EntityID],
		Properties:  n.Properties,
	}
}

func summarize(p *Plan) string {
	s := p.Summary()
	return fmt.Sprintf("%d create, %d update, %d delete (%d replacements)",
		s.ToCreate, s.ToUpdate, s.ToDelete, s.Replacements)
}

func isNotFound(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeNotFound
	}
	return false
}
