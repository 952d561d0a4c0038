package engine

// Action is the lifecycle action currently being converged for an
// entity or a stack.
type Action string

const (
	// ActionCreate creates a new entity against the provider.
	ActionCreate Action = "CREATE"

	// ActionUpdate applies a property or dependency change in place.
	ActionUpdate Action = "UPDATE"

	// ActionDelete removes the entity from the provider.
	ActionDelete Action = "DELETE"

	// ActionAdopt takes ownership of a pre-existing provider object
	// without touching it. Never produced by the differ; seeded by
	// operator tooling.
	ActionAdopt Action = "ADOPT"

	// ActionNoop marks an entity that is unchanged between graphs.
	// Noop nodes never enter the active convergence plan.
	ActionNoop Action = "NOOP"
)

// Validate checks that the action is a known value.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAdopt, ActionNoop:
		return nil
	}
	return NewPermanentError("invalid action: "+string(a), nil).WithCode(ErrCodeValidation)
}

// Status is the convergence status of an entity or stack for its
// current action.
type Status string

const (
	// StatusInProgress means the action has been dispatched and has not
	// reached a terminal state.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusComplete means the action finished successfully.
	StatusComplete Status = "COMPLETE"

	// StatusFailed means the action failed terminally for this traversal.
	StatusFailed Status = "FAILED"
)

// Validate checks that the status is a known value.
func (s Status) Validate() error {
	switch s {
	case StatusInProgress, StatusComplete, StatusFailed:
		return nil
	}
	return NewPermanentError("invalid status: "+string(s), nil).WithCode(ErrCodeValidation)
}

// IsTerminal reports whether the status is terminal for a traversal.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// TaskState is the dispatcher's per-(entity, traversal) state machine.
type TaskState string

const (
	// TaskReady means the entity's fan-in is satisfied but no worker has
	// claimed it yet.
	TaskReady TaskState = "READY"

	// TaskClaimed means a worker holds the lease and is about to invoke
	// the handler's begin operation.
	TaskClaimed TaskState = "CLAIMED"

	// TaskActing means the begin operation has been invoked.
	TaskActing TaskState = "ACTING"

	// TaskPolling means the worker is re-checking completion on a
	// backoff schedule.
	TaskPolling TaskState = "POLLING"

	// TaskDone means the action completed and successors were notified.
	TaskDone TaskState = "DONE"

	// TaskFailed means the action failed terminally.
	TaskFailed TaskState = "FAILED"
)
