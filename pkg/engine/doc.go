// Package engine implements graph convergence for stacks of managed
// entities.
//
// A converge request diffs the stack's current graph snapshot against
// the desired graph, producing an edge-annotated plan of creates,
// updates, and deletes. The traversal controller installs the plan
// under a new traversal ID by compare-and-swap on the stack's traversal
// pointer, seeds a fan-in sync point for every plan node with
// predecessors, and hands the plan roots to the dispatcher.
//
// The dispatcher runs entity actions over a worker pool. A worker
// claims its entity by advancing the entity's atomic key, invokes the
// type handler's begin operation, then polls completion on a backoff
// timer without holding a worker thread. When an entity completes it
// checks in to each successor's sync point; the check-in that completes
// a barrier's expected set fires it and dispatches the successor with
// the aggregated predecessor outputs.
//
// All cross-worker coordination is single-row compare-and-swap. Losing
// a race is a conflict, not a failure: the losing work unit is
// abandoned silently. Superseding a traversal needs only one CAS on the
// stack's traversal pointer plus re-preparing the entity records; the
// old traversal's workers find their claims stale and stop on their
// own. Rollback is not an undo log, it is an ordinary traversal whose
// target is the previous known-good graph.
package engine
