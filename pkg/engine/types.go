package engine

import (
	"encoding/json"
	"time"
)

// Entity represents one managed object in a stack's convergence graph.
type Entity struct {
	// ID is the stable unique identifier for this entity.
	ID string `json:"id"`

	// Name is the graph-scoped, human-given logical name.
	Name string `json:"name"`

	// Type is the entity type tag used to select a handler.
	Type string `json:"type"`

	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// Action is the lifecycle action currently being converged.
	Action Action `json:"action"`

	// Status is the status of the current action.
	Status Status `json:"status"`

	// StatusReason carries the failure reason when Status is FAILED.
	StatusReason string `json:"status_reason,omitempty"`

	// AtomicKey is the monotonically increasing mutation counter used
	// for optimistic concurrency. It only advances via successful
	// compare-and-swap.
	AtomicKey int64 `json:"atomic_key"`

	// TraversalID is the traversal on whose behalf the current action
	// is being performed.
	TraversalID string `json:"traversal_id,omitempty"`

	// Requires lists entity IDs that must finish before this entity.
	Requires []string `json:"requires,omitempty"`

	// NeededBy lists entity IDs that depend on this entity.
	NeededBy []string `json:"needed_by,omitempty"`

	// Replaces is the entity this one substitutes when an update cannot
	// be applied in place.
	Replaces string `json:"replaces,omitempty"`

	// ReplacedBy back-references the substituting entity.
	ReplacedBy string `json:"replaced_by,omitempty"`

	// EngineID identifies the worker currently holding the claim, if any.
	EngineID string `json:"engine_id,omitempty"`

	// Properties is the desired configuration for this entity.
	Properties json.RawMessage `json:"properties,omitempty"`

	// ProviderRef is the opaque reference returned by the handler's
	// begin operation.
	ProviderRef string `json:"provider_ref,omitempty"`

	// Tombstone marks an entity whose DELETE completed but whose row is
	// retained while a graph snapshot still references it.
	Tombstone bool `json:"tombstone"`

	// CreatedAt is when the entity was first referenced by a graph.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Stack is the root container of a convergence graph.
type Stack struct {
	// ID is the unique identifier for this stack.
	ID string `json:"id"`

	// Name is the human-given stack name.
	Name string `json:"name"`

	// CurrentTraversalID identifies the single authoritative traversal.
	// Advancing it is a CAS; work belonging to any other traversal is
	// stale.
	CurrentTraversalID string `json:"current_traversal_id,omitempty"`

	// CurrentGraph is the dependency graph snapshot being converged
	// toward (or last converged).
	CurrentGraph *Graph `json:"current_graph,omitempty"`

	// PrevGraph is the previous known-good graph, retained as the
	// rollback target across an update.
	PrevGraph *Graph `json:"prev_graph,omitempty"`

	// Action mirrors the worst-case action of the stack's entities.
	Action Action `json:"action"`

	// Status mirrors the worst-case status of the stack's entities.
	Status Status `json:"status"`

	// StatusReason carries the failure reason when Status is FAILED.
	StatusReason string `json:"status_reason,omitempty"`

	// Backup marks a transient copy retained across a failed update for
	// rollback.
	Backup bool `json:"backup"`

	// NestedDepth is how deep this stack sits in a parent stack's graph.
	NestedDepth int `json:"nested_depth"`

	// RollbackEnabled controls whether a failed traversal triggers
	// convergence back to PrevGraph.
	RollbackEnabled bool `json:"rollback_enabled"`

	// CreatedAt is when the stack was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the stack record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Graph is a desired-state dependency graph: logical names, properties,
// and requires-edges. Snapshots taken from a stack additionally carry
// the entity IDs that realized each node.
type Graph struct {
	// Nodes maps logical name to node definition.
	Nodes map[string]*GraphNode `json:"nodes"`
}

// GraphNode is one declared entity in a desired-state graph.
type GraphNode struct {
	// Name is the logical name, unique within the graph.
	Name string `json:"name"`

	// Type is the entity type tag.
	Type string `json:"type"`

	// Properties is the declared configuration.
	Properties json.RawMessage `json:"properties,omitempty"`

	// Requires lists logical names of predecessor nodes.
	Requires []string `json:"requires,omitempty"`

	// EntityID is the realized entity, set on stack snapshots.
	EntityID string `json:"entity_id,omitempty"`
}

// SyncPoint is a fan-in barrier for one entity within one traversal.
type SyncPoint struct {
	// EntityID is the entity waiting on this barrier.
	EntityID string `json:"entity_id"`

	// TraversalID is the traversal this barrier belongs to.
	TraversalID string `json:"traversal_id"`

	// Forward distinguishes create/update propagation (true) from
	// reverse delete propagation (false).
	Forward bool `json:"forward"`

	// AtomicKey is the barrier's own CAS counter.
	AtomicKey int64 `json:"atomic_key"`

	// Expected is the full set of predecessor entity IDs that must
	// check in before the barrier fires.
	Expected []string `json:"expected"`

	// Satisfied maps checked-in predecessor IDs to the payload each
	// carried. The barrier fires when its key set equals Expected.
	Satisfied map[string]json.RawMessage `json:"satisfied,omitempty"`
}

// Key returns the unique (entity, traversal, direction) key.
func (sp *SyncPoint) Key() SyncPointKey {
	return SyncPointKey{EntityID: sp.EntityID, TraversalID: sp.TraversalID, Forward: sp.Forward}
}

// Remaining returns how many predecessors have not checked in yet.
func (sp *SyncPoint) Remaining() int {
	n := 0
	for _, id := range sp.Expected {
		if _, ok := sp.Satisfied[id]; !ok {
			n++
		}
	}
	return n
}

// SyncPointKey identifies a sync point.
type SyncPointKey struct {
	EntityID    string `json:"entity_id"`
	TraversalID string `json:"traversal_id"`
	Forward     bool   `json:"forward"`
}

// CheckInResult is the outcome of a sync point check-in.
type CheckInResult struct {
	// Fired is true for exactly one check-in per sync point: the one
	// whose mutation completed the expected set.
	Fired bool `json:"fired"`

	// Aggregated is the accumulated predecessor payloads, populated
	// only when Fired is true.
	Aggregated map[string]json.RawMessage `json:"aggregated,omitempty"`
}

// Plan is an edge-annotated convergence graph: the output of diffing an
// old graph against a new one for a specific traversal.
type Plan struct {
	// StackID is the stack being converged.
	StackID string `json:"stack_id"`

	// TraversalID is the traversal this plan drives.
	TraversalID string `json:"traversal_id"`

	// Nodes maps entity ID to its annotated plan node.
	Nodes map[string]*PlanNode `json:"nodes"`

	// Warnings carries non-fatal conditions raised during diffing, such
	// as a replacement forced to delete-first.
	Warnings []string `json:"warnings,omitempty"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// PlanNode is one entity's action within a plan, with its execution-order
// predecessors resolved to entity IDs.
type PlanNode struct {
	// EntityID is the entity this node operates on.
	EntityID string `json:"entity_id"`

	// Name is the logical name (the replaced copy of a node keeps its
	// name; the replacement carries the same name under a new ID).
	Name string `json:"name"`

	// Type is the entity type tag.
	Type string `json:"type"`

	// Action is the annotated action.
	Action Action `json:"action"`

	// Forward is true for create/update nodes and false for delete
	// nodes, selecting the sync point direction.
	Forward bool `json:"forward"`

	// Requires lists the entity IDs whose completion must fire this
	// node's sync point before it is dispatched.
	Requires []string `json:"requires,omitempty"`

	// RequiredBy lists the entity IDs whose sync points this node
	// checks in to when it completes.
	RequiredBy []string `json:"required_by,omitempty"`

	// Properties is the desired configuration after this node's action.
	Properties json.RawMessage `json:"properties,omitempty"`

	// Replaces is set on a CREATE node substituting an old entity.
	Replaces string `json:"replaces,omitempty"`
}

// Summary counts plan nodes by action.
func (p *Plan) Summary() PlanSummary {
	var s PlanSummary
	s.Total = len(p.Nodes)
	for _, n := range p.Nodes {
		switch n.Action {
		case ActionCreate:
			s.ToCreate++
		case ActionUpdate:
			s.ToUpdate++
		case ActionDelete:
			s.ToDelete++
		}
		if n.Replaces != "" {
			s.Replacements++
		}
	}
	return s
}

// Roots returns the entity IDs with no predecessors, in no particular
// order. These are dispatched directly when a traversal starts.
func (p *Plan) Roots() []string {
	roots := make([]string, 0)
	for id, n := range p.Nodes {
		if len(n.Requires) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Total is the number of active (non-noop) nodes.
	Total int `json:"total"`

	// ToCreate is the number of entities to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of entities to update in place.
	ToUpdate int `json:"to_update"`

	// ToDelete is the number of entities to delete.
	ToDelete int `json:"to_delete"`

	// Replacements is the number of create-and-replace pairs.
	Replacements int `json:"replacements"`
}
