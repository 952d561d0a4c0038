package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DispatcherConfig controls the worker pool and retry behavior.
type DispatcherConfig struct {
	// EngineID identifies this engine instance on claims.
	EngineID string

	// Workers is the number of concurrent dispatch workers.
	Workers int

	// QueueSize is the task queue buffer size.
	QueueSize int

	// PollInterval is the base delay between completion checks.
	PollInterval time.Duration

	// MaxPollInterval caps the backed-off poll delay.
	MaxPollInterval time.Duration

	// MaxAttempts bounds retries of a failing begin or completion check.
	// Still-in-progress polls do not count as attempts.
	MaxAttempts int

	// ActionTimeout bounds one entity action from claim to completion.
	ActionTimeout time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig(engineID string) DispatcherConfig {
	return DispatcherConfig{
		EngineID:        engineID,
		Workers:         10,
		QueueSize:       100,
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		MaxAttempts:     5,
		ActionTimeout:   30 * time.Minute,
	}
}

func (c *DispatcherConfig) applyDefaults() {
	d := DefaultDispatcherConfig(c.EngineID)
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
}

// TaskResult reports one entity task reaching the end of its state
// machine.
type TaskResult struct {
	// EntityID is the entity the task operated on.
	EntityID string

	// TraversalID is the traversal the task belonged to.
	TraversalID string

	// State is TaskDone or TaskFailed.
	State TaskState

	// Abandoned marks a task dropped because its claim or traversal was
	// superseded. Never reported as a failure.
	Abandoned bool

	// Reason carries the failure message when State is TaskFailed.
	Reason string
}

// ResultFunc receives task results. The traversal controller uses it to
// track live work and decide traversal completion.
type ResultFunc func(ctx context.Context, res TaskResult)

// task is one (entity, traversal) work unit moving through the
// dispatcher state machine.
type task struct {
	plan   *Plan
	node   *PlanNode
	state  TaskState
	claim  *Claim
	inputs map[string]json.RawMessage

	providerRef string
	attempts    int
	pollDelay   time.Duration
	deadline    time.Time
}

// Dispatcher runs entity actions over a bounded worker pool. Each task
// is claimed, begun, then polled to completion on a backoff schedule;
// polling never holds a worker, the task is re-enqueued by a timer.
type Dispatcher struct {
	store    Store
	registry *Registry
	sink     EventSink
	onResult ResultFunc
	cfg      DispatcherConfig

	queue    chan *task
	inflight sync.WaitGroup
	workers  sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewDispatcher creates a dispatcher. The result func and sink may be
// nil.
func NewDispatcher(store Store, registry *Registry, cfg DispatcherConfig, sink EventSink, onResult ResultFunc) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:    store,
		registry: registry,
		sink:     sink,
		onResult: onResult,
		cfg:      cfg,
		queue:    make(chan *task, cfg.QueueSize),
	}
}

// Start launches the worker pool. The context bounds all dispatched
// work; cancelling it drops queued and timer-scheduled tasks.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return NewPermanentError("dispatcher already started", nil).WithCode(ErrCodeInternal)
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	return nil
}

// Stop cancels outstanding work and waits for the workers to exit.
// Dispatch calls after Stop are refused.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.inflight.Wait()
	close(d.queue)
	d.workers.Wait()
}

// Wait blocks until every enqueued task has reached a terminal state or
// been abandoned.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Dispatch enqueues an entity task for its plan node. Called by the
// traversal controller for plan roots and internally when a sync point
// fires.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *Plan, entityID string, inputs map[string]json.RawMessage) error {
	node, ok := plan.Nodes[entityID]
	if !ok {
		return NewPermanentError(fmt.Sprintf("entity %s is not in the plan", entityID), nil).
			WithCode(ErrCodeNotFound).WithTraversal(plan.TraversalID)
	}

	// The inflight token is taken under the lock so Stop cannot observe
	// a drained pool and close the queue while this enqueue is pending.
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return NewPermanentError("dispatcher not running", nil).
			WithCode(ErrCodeInternal).WithEntity(entityID).WithTraversal(plan.TraversalID)
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	t := &task{plan: plan, node: node, state: TaskReady, inputs: inputs}
	if !d.enqueue(t) {
		d.inflight.Done()
		return NewPermanentError("dispatcher stopped", nil).
			WithCode(ErrCodeInternal).WithEntity(entityID).WithTraversal(plan.TraversalID)
	}
	return nil
}

// dispatchFired hands a fired successor to the queue from its own
// goroutine. Workers are the queue's only consumers, so a worker that
// blocked on the send while the queue was full would wedge the pool.
// The calling task still holds its inflight token, which keeps Stop
// from closing the queue under the handoff.
func (d *Dispatcher) dispatchFired(t *task) {
	d.inflight.Add(1)
	go func() {
		if !d.enqueue(t) {
			d.inflight.Done()
		}
	}()
}

func (d *Dispatcher) enqueue(t *task) bool {
	select {
	case <-d.ctx.Done():
		return false
	case d.queue <- t:
		return true
	}
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for t := range d.queue {
		select {
		case <-d.ctx.Done():
			d.inflight.Done()
			continue
		default:
		}
		d.step(t)
	}
}

// step advances a task. READY tasks are claimed and begun; POLLING
// tasks run one completion check. A task leaves the dispatcher by
// finishing, failing, or being abandoned to a newer owner.
func (d *Dispatcher) step(t *task) {
	ctx := d.ctx

	switch t.state {
	case TaskReady:
		d.stepReady(ctx, t)
	case TaskPolling:
		d.stepPoll(ctx, t)
	default:
		d.finish(ctx, t, TaskFailed, false,
			fmt.Sprintf("task in unexpected state %s", t.state))
	}
}

func (d *Dispatcher) stepReady(ctx context.Context, t *task) {
	ent, err := d.store.GetEntity(ctx, t.node.EntityID)
	if err != nil {
		d.failOrRetryBegin(ctx, t, err)
		return
	}
	if ent.TraversalID != t.plan.TraversalID {
		// The entity was re-prepared for a newer traversal; this work
		// unit is stale.
		d.publish(ctx, ControlEvent{
			Type:        EventClaimStale,
			StackID:     t.plan.StackID,
			TraversalID: t.plan.TraversalID,
			EntityID:    t.node.EntityID,
			Message:     "entity belongs to a newer traversal, abandoning work unit",
			Level:       "info",
		})
		d.finish(ctx, t, TaskDone, true, "")
		return
	}
	if ent.Status.IsTerminal() {
		// Crash-recovery replay of an already converged entity.
		d.finish(ctx, t, TaskDone, true, "")
		return
	}

	claim, err := TryClaim(ctx, d.store, t.node.EntityID, ent.AtomicKey, d.cfg.EngineID, t.plan.TraversalID)
	if err != nil {
		if IsConflict(err) {
			d.publish(ctx, ControlEvent{
				Type:        EventClaimStale,
				StackID:     t.plan.StackID,
				TraversalID: t.plan.TraversalID,
				EntityID:    t.node.EntityID,
				Message:     "claim lost, abandoning work unit",
				Level:       "info",
			})
			d.finish(ctx, t, TaskDone, true, "")
			return
		}
		d.failOrRetryBegin(ctx, t, err)
		return
	}
	t.claim = claim
	t.state = TaskClaimed
	t.deadline = time.Now().Add(d.cfg.ActionTimeout)

	if err := d.store.SetEntityStatus(ctx, t.node.EntityID, claim.Key, StatusInProgress, ""); err != nil {
		d.handleGuardedWriteError(ctx, t, err)
		return
	}
	d.publishStateChange(ctx, t, StatusInProgress, "")

	ref, err := d.begin(ctx, t, ent)
	if err != nil {
		if IsConflict(err) {
			d.finish(ctx, t, TaskDone, true, "")
			return
		}
		d.failOrRetryBegin(ctx, t, err)
		return
	}
	t.state = TaskActing
	t.providerRef = ref
	if ref != "" && ref != ent.ProviderRef {
		if err := d.store.SetProviderRef(ctx, t.node.EntityID, t.claim.Key, ref); err != nil {
			d.handleGuardedWriteError(ctx, t, err)
			return
		}
	}

	t.attempts = 0
	t.pollDelay = d.cfg.PollInterval
	d.schedulePoll(t, d.cfg.PollInterval)
}

// begin invokes the handler's begin operation for the node's action.
func (d *Dispatcher) begin(ctx context.Context, t *task, ent *Entity) (string, error) {
	h, err := d.registry.Get(t.node.Type)
	if err != nil {
		return "", NewPermanentError("no handler for entity type", err).
			WithCode(ErrCodeHandlerFailed).WithEntity(t.node.EntityID)
	}
	req := d.handlerRequest(t, ent)

	switch t.node.Action {
	case ActionCreate:
		return h.BeginCreate(ctx, req)
	case ActionUpdate:
		return h.BeginUpdate(ctx, req)
	case ActionDelete:
		return h.BeginDelete(ctx, req)
	case ActionAdopt:
		// Adoption records ownership without touching the provider.
		return ent.ProviderRef, nil
	default:
		return "", NewPermanentError(fmt.Sprintf("undispatchable action %s", t.node.Action), nil).
			WithCode(ErrCodeInternal).WithEntity(t.node.EntityID)
	}
}

func (d *Dispatcher) stepPoll(ctx context.Context, t *task) {
	if time.Now().After(t.deadline) {
		d.fail(ctx, t, NewPermanentError(
			fmt.Sprintf("action did not complete within %s", d.cfg.ActionTimeout), nil).
			WithCode(ErrCodeTimeout).WithEntity(t.node.EntityID).WithTraversal(t.plan.TraversalID))
		return
	}

	ent, err := d.store.GetEntity(ctx, t.node.EntityID)
	if err != nil {
		d.failOrRetryPoll(ctx, t, err)
		return
	}
	if ent.AtomicKey != t.claim.Key {
		// A newer claimant owns the entity.
		d.finish(ctx, t, TaskDone, true, "")
		return
	}

	done, err := d.check(ctx, t, ent)
	if err != nil {
		if IsConflict(err) {
			d.finish(ctx, t, TaskDone, true, "")
			return
		}
		d.failOrRetryPoll(ctx, t, err)
		return
	}
	if !done {
		t.attempts = 0
		d.schedulePoll(t, t.pollDelay)
		t.pollDelay = nextDelay(t.pollDelay, d.cfg.MaxPollInterval)
		return
	}

	d.complete(ctx, t)
}

// check invokes the handler's completion check for the node's action.
func (d *Dispatcher) check(ctx context.Context, t *task, ent *Entity) (bool, error) {
	h, err := d.registry.Get(t.node.Type)
	if err != nil {
		return false, NewPermanentError("no handler for entity type", err).
			WithCode(ErrCodeHandlerFailed).WithEntity(t.node.EntityID)
	}
	req := d.handlerRequest(t, ent)
	req.ProviderRef = t.providerRef

	switch t.node.Action {
	case ActionCreate:
		return h.CheckCreateComplete(ctx, req)
	case ActionUpdate:
		return h.CheckUpdateComplete(ctx, req)
	case ActionDelete:
		return h.CheckDeleteComplete(ctx, req)
	case ActionAdopt:
		return true, nil
	default:
		return false, NewPermanentError(fmt.Sprintf("undispatchable action %s", t.node.Action), nil).
			WithCode(ErrCodeInternal).WithEntity(t.node.EntityID)
	}
}

// complete marks the entity converged and checks in to every successor
// sync point, dispatching any that fire.
func (d *Dispatcher) complete(ctx context.Context, t *task) {
	if err := d.store.SetEntityStatus(ctx, t.node.EntityID, t.claim.Key, StatusComplete, ""); err != nil {
		d.handleGuardedWriteError(ctx, t, err)
		return
	}
	if t.node.Action == ActionDelete {
		if err := d.store.TombstoneEntity(ctx, t.node.EntityID); err != nil {
			d.fail(ctx, t, err)
			return
		}
	}
	d.publishStateChange(ctx, t, StatusComplete, "")

	payload, _ := json.Marshal(map[string]string{
		"entity_id":    t.node.EntityID,
		"name":         t.node.Name,
		"provider_ref": t.providerRef,
	})

	for _, succID := range t.node.RequiredBy {
		succ, ok := t.plan.Nodes[succID]
		if !ok {
			continue
		}
		key := SyncPointKey{
			EntityID:    succID,
			TraversalID: t.plan.TraversalID,
			Forward:     succ.Forward,
		}
		res, err := CheckIn(ctx, d.store, key, t.node.EntityID, payload)
		if err != nil {
			if IsConflict(err) {
				// Traversal superseded underneath us; the work done still
				// counts, only propagation stops.
				continue
			}
			d.fail(ctx, t, err)
			return
		}
		if !res.Fired {
			continue
		}
		d.publish(ctx, ControlEvent{
			Type:        EventSyncPointFired,
			StackID:     t.plan.StackID,
			TraversalID: t.plan.TraversalID,
			EntityID:    succID,
			Message:     "all predecessors checked in",
			Level:       "info",
			Data:        map[string]interface{}{"forward": succ.Forward},
		})
		d.dispatchFired(&task{plan: t.plan, node: succ, state: TaskReady, inputs: res.Aggregated})
	}

	d.finish(ctx, t, TaskDone, false, "")
}

// fail marks the entity failed for this traversal and reports the task.
// A stale guard on the status write downgrades the failure to
// abandonment.
func (d *Dispatcher) fail(ctx context.Context, t *task, cause error) {
	reason := cause.Error()
	if t.claim != nil {
		if err := d.store.SetEntityStatus(ctx, t.node.EntityID, t.claim.Key, StatusFailed, reason); err != nil {
			if IsConflict(err) {
				d.finish(ctx, t, TaskDone, true, "")
				return
			}
		}
	}
	d.publishStateChange(ctx, t, StatusFailed, reason)
	d.finish(ctx, t, TaskFailed, false, reason)
}

func (d *Dispatcher) finish(ctx context.Context, t *task, state TaskState, abandoned bool, reason string) {
	t.state = state
	if d.onResult != nil {
		d.onResult(ctx, TaskResult{
			EntityID:    t.node.EntityID,
			TraversalID: t.plan.TraversalID,
			State:       state,
			Abandoned:   abandoned,
			Reason:      reason,
		})
	}
	d.inflight.Done()
}

// failOrRetryBegin retries a retryable pre-poll error in place with
// backoff, bounded by MaxAttempts.
func (d *Dispatcher) failOrRetryBegin(ctx context.Context, t *task, err error) {
	if !IsRetryable(err) || t.attempts+1 >= d.cfg.MaxAttempts {
		d.fail(ctx, t, err)
		return
	}
	t.attempts++
	t.state = TaskReady
	t.claim = nil
	d.scheduleRetry(t, retryBackoff(d.cfg.PollInterval, t.attempts, d.cfg.MaxPollInterval, IsThrottled(err)))
}

// failOrRetryPoll retries a retryable completion-check error on the
// polling schedule, bounded by MaxAttempts.
func (d *Dispatcher) failOrRetryPoll(ctx context.Context, t *task, err error) {
	if !IsRetryable(err) || t.attempts+1 >= d.cfg.MaxAttempts {
		d.fail(ctx, t, err)
		return
	}
	t.attempts++
	d.schedulePoll(t, retryBackoff(d.cfg.PollInterval, t.attempts, d.cfg.MaxPollInterval, IsThrottled(err)))
}

// handleGuardedWriteError resolves a failed key-guarded write: a
// conflict means the claim was superseded and the task is abandoned,
// anything else is a failure.
func (d *Dispatcher) handleGuardedWriteError(ctx context.Context, t *task, err error) {
	if IsConflict(err) {
		d.publish(ctx, ControlEvent{
			Type:        EventClaimStale,
			StackID:     t.plan.StackID,
			TraversalID: t.plan.TraversalID,
			EntityID:    t.node.EntityID,
			Message:     "claim superseded, abandoning work unit",
			Level:       "info",
		})
		d.finish(ctx, t, TaskDone, true, "")
		return
	}
	d.fail(ctx, t, err)
}

// schedulePoll parks the task on a timer and re-enqueues it for a
// completion check. The worker is released while the task waits.
func (d *Dispatcher) schedulePoll(t *task, delay time.Duration) {
	t.state = TaskPolling
	d.scheduleResume(t, delay)
}

func (d *Dispatcher) scheduleRetry(t *task, delay time.Duration) {
	d.scheduleResume(t, delay)
}

func (d *Dispatcher) scheduleResume(t *task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if !d.enqueue(t) {
			d.inflight.Done()
		}
	})
}

func (d *Dispatcher) handlerRequest(t *task, ent *Entity) HandlerRequest {
	req := HandlerRequest{
		EntityID:           t.node.EntityID,
		Name:               t.node.Name,
		StackID:            t.plan.StackID,
		TraversalID:        t.plan.TraversalID,
		Properties:         t.node.Properties,
		ProviderRef:        ent.ProviderRef,
		PredecessorOutputs: t.inputs,
	}
	if t.node.Action == ActionUpdate {
		req.OldProperties = ent.Properties
	}
	if t.node.Action == ActionDelete {
		req.Properties = ent.Properties
	}
	return req
}

func (d *Dispatcher) publish(ctx context.Context, ev ControlEvent) {
	if d.sink != nil {
		d.sink.Publish(ctx, ev)
	}
}

func (d *Dispatcher) publishStateChange(ctx context.Context, t *task, status Status, reason string) {
	level := "info"
	if status == StatusFailed {
		level = "error"
	}
	d.publish(ctx, ControlEvent{
		Type:        EventEntityStateChanged,
		StackID:     t.plan.StackID,
		TraversalID: t.plan.TraversalID,
		EntityID:    t.node.EntityID,
		Message:     fmt.Sprintf("%s %s", t.node.Action, status),
		Level:       level,
		Data: map[string]interface{}{
			"action": string(t.node.Action),
			"status": string(status),
			"reason": reason,
		},
	})
}

// nextDelay grows a poll delay geometrically up to the cap.
func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// retryBackoff computes an exponential backoff with jitter. Throttled
// errors back off twice as hard.
func retryBackoff(base time.Duration, attempt int, max time.Duration, throttled bool) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if throttled {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
