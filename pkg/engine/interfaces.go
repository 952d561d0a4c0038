package engine

import (
	"context"
	"encoding/json"
)

// Handler is the entity-type capability the dispatcher drives. Concrete
// handlers live outside the engine and talk to a specific provider API.
//
// Begin operations must be idempotent at the handler level: re-invoking
// begin on an already-started entity is a no-op or benign, so a worker
// crash between begin and the first completion check is safe to resume.
// Check operations return (false, nil) while the action is still in
// progress; a non-retryable error is terminal for the entity.
type Handler interface {
	// BeginCreate starts creation and returns an opaque provider reference.
	BeginCreate(ctx context.Context, req HandlerRequest) (string, error)

	// CheckCreateComplete reports whether creation has finished.
	CheckCreateComplete(ctx context.Context, req HandlerRequest) (bool, error)

	// BeginUpdate starts an in-place update given the property diff
	// carried in req.OldProperties/req.Properties.
	BeginUpdate(ctx context.Context, req HandlerRequest) (string, error)

	// CheckUpdateComplete reports whether the update has finished.
	CheckUpdateComplete(ctx context.Context, req HandlerRequest) (bool, error)

	// BeginDelete starts deletion.
	BeginDelete(ctx context.Context, req HandlerRequest) (string, error)

	// CheckDeleteComplete reports whether deletion has finished.
	CheckDeleteComplete(ctx context.Context, req HandlerRequest) (bool, error)

	// NeedsReplace reports whether the property change cannot be applied
	// in place, forcing the replace path at diff time.
	NeedsReplace(old, new json.RawMessage) (bool, error)
}

// HandlerRequest carries everything a handler needs for one operation.
type HandlerRequest struct {
	// EntityID is the entity being acted on.
	EntityID string `json:"entity_id"`

	// Name is the entity's logical name.
	Name string `json:"name"`

	// StackID is the owning stack.
	StackID string `json:"stack_id"`

	// TraversalID is the traversal on whose behalf the action runs.
	TraversalID string `json:"traversal_id"`

	// Properties is the desired configuration for this action.
	Properties json.RawMessage `json:"properties,omitempty"`

	// OldProperties is the prior configuration, set for updates.
	OldProperties json.RawMessage `json:"old_properties,omitempty"`

	// ProviderRef is the reference returned by the begin operation,
	// set on completion checks.
	ProviderRef string `json:"provider_ref,omitempty"`

	// PredecessorOutputs maps predecessor entity IDs to the payloads
	// they carried into this entity's sync point.
	PredecessorOutputs map[string]json.RawMessage `json:"predecessor_outputs,omitempty"`
}

// EntityStore persists entity records. All mutation of shared fields is
// single-row compare-and-swap on the entity's atomic key.
type EntityStore interface {
	// CreateEntity inserts a new entity record.
	CreateEntity(ctx context.Context, e *Entity) error

	// GetEntity retrieves an entity by ID.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// ListEntities lists all non-tombstoned entities of a stack.
	ListEntities(ctx context.Context, stackID string) ([]*Entity, error)

	// ClaimEntity atomically advances the entity's atomic key from
	// expectedKey and records the claiming engine and traversal.
	// Returns the new key, or a conflict error if the key moved.
	ClaimEntity(ctx context.Context, id string, expectedKey int64, engineID, traversalID string) (int64, error)

	// PrepareEntity rewrites an entity's action, edges, and properties
	// for a new traversal. Called only by the controller that won the
	// stack's traversal-pointer CAS, before any dispatch.
	PrepareEntity(ctx context.Context, e *Entity) error

	// SetEntityStatus updates status fields, guarded by the atomic key
	// so a superseded claim holder cannot write.
	SetEntityStatus(ctx context.Context, id string, atomicKey int64, status Status, reason string) error

	// SetProviderRef records the handler's provider reference, guarded
	// by the atomic key.
	SetProviderRef(ctx context.Context, id string, atomicKey int64, ref string) error

	// TombstoneEntity marks a deleted entity's row as a tombstone.
	TombstoneEntity(ctx context.Context, id string) error

	// PurgeTombstones removes tombstoned entities of a stack that no
	// graph snapshot references any longer.
	PurgeTombstones(ctx context.Context, stackID string) (int64, error)
}

// SyncPointStore persists fan-in barriers. Updates are CAS on the sync
// point's own atomic key; the check-in protocol in this package retries
// on conflict.
type SyncPointStore interface {
	// CreateSyncPoint inserts a barrier. Creating an existing key
	// returns an ALREADY_EXISTS permanent error.
	CreateSyncPoint(ctx context.Context, sp *SyncPoint) error

	// GetSyncPoint retrieves a barrier by key.
	GetSyncPoint(ctx context.Context, key SyncPointKey) (*SyncPoint, error)

	// UpdateSyncPoint writes the satisfied set, advancing the atomic
	// key from expectedKey. Returns a conflict error if the key moved.
	UpdateSyncPoint(ctx context.Context, sp *SyncPoint, expectedKey int64) error

	// DeleteSyncPoints removes all barriers of a traversal.
	DeleteSyncPoints(ctx context.Context, traversalID string) (int64, error)
}

// StackStore persists stack records and the coarse advisory lock.
type StackStore interface {
	// CreateStack inserts a new stack record.
	CreateStack(ctx context.Context, s *Stack) error

	// GetStack retrieves a stack by ID.
	GetStack(ctx context.Context, id string) (*Stack, error)

	// GetStackByName retrieves a stack by name.
	GetStackByName(ctx context.Context, name string) (*Stack, error)

	// UpdateStackTraversal atomically advances the current traversal
	// pointer from oldTraversalID, installing the new graph and
	// retaining prevGraph as the rollback target. Returns a conflict
	// error if another traversal won the race.
	UpdateStackTraversal(ctx context.Context, stackID, oldTraversalID, newTraversalID string, graph, prevGraph *Graph, action Action) error

	// SetStackStatus updates the stack's action/status, guarded by the
	// traversal pointer so a superseded controller cannot write.
	SetStackStatus(ctx context.Context, stackID, traversalID string, action Action, status Status, reason string) error

	// SetStackBackup flips the transient backup flag.
	SetStackBackup(ctx context.Context, stackID string, backup bool) error

	// AcquireStackLock takes the stack-wide advisory lock for engineID.
	// Re-acquiring a lock already held by the same engine succeeds.
	AcquireStackLock(ctx context.Context, stackID, engineID string) error

	// ReleaseStackLock releases the advisory lock if held by engineID.
	ReleaseStackLock(ctx context.Context, stackID, engineID string) error
}

// Store aggregates the persisted state surface the engine consumes.
type Store interface {
	EntityStore
	SyncPointStore
	StackStore
}

// ControlEvent is emitted to the surrounding system (logging,
// notification, API status reporting).
type ControlEvent struct {
	// Type is the event type, one of the EventType constants.
	Type string `json:"type"`

	// StackID, TraversalID, and EntityID scope the event.
	StackID     string `json:"stack_id,omitempty"`
	TraversalID string `json:"traversal_id,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Control event types.
const (
	EventEntityStateChanged = "entity.state_changed"
	EventSyncPointFired     = "syncpoint.fired"
	EventClaimStale         = "entity.claim_stale"
	EventTraversalStarted   = "traversal.started"
	EventTraversalCompleted = "traversal.completed"
	EventTraversalFailed    = "traversal.failed"
	EventRollbackStarted    = "rollback.started"
)

// EventSink receives control events. Implementations must not block the
// caller for long; the engine treats publishing as fire-and-forget.
type EventSink interface {
	Publish(ctx context.Context, ev ControlEvent)
}

// LivenessRegistry is the external collaborator that knows which engine
// (worker) identities are alive. The core only records engine IDs on
// claims; claim expiry and takeover policy belong to the surrounding
// system.
type LivenessRegistry interface {
	IsAlive(ctx context.Context, engineID string) (bool, error)
}
