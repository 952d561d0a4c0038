package stores

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openstrata/strata/pkg/engine"
)

// MemStore is an in-memory implementation of the engine's persisted
// state surface with the same compare-and-swap semantics as the SQLite
// store. State lives for the process only; it backs throwaway runs and
// tests.
type MemStore struct {
	mu         sync.Mutex
	entities   map[string]*engine.Entity
	syncPoints map[engine.SyncPointKey]*engine.SyncPoint
	stacks     map[string]*engine.Stack
	locks      map[string]string
	events     []*Event
	nextEvent  int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities:   make(map[string]*engine.Entity),
		syncPoints: make(map[engine.SyncPointKey]*engine.SyncPoint),
		stacks:     make(map[string]*engine.Stack),
		locks:      make(map[string]string),
		nextEvent:  1,
	}
}

// Init is a no-op; it exists so the store is interchangeable with the
// SQLite store.
func (m *MemStore) Init(_ context.Context) error { return nil }

// Migrate is a no-op for the in-memory store.
func (m *MemStore) Migrate(_ context.Context) error { return nil }

// Close discards all state.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = nil
	m.syncPoints = nil
	m.stacks = nil
	m.locks = nil
	m.events = nil
	return nil
}

// HealthCheck always succeeds while the store is open.
func (m *MemStore) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities == nil {
		return engine.NewPermanentError("store closed", nil)
	}
	return nil
}

// Entity operations

func (m *MemStore) CreateEntity(_ context.Context, e *engine.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; ok {
		return engine.NewPermanentError("entity already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithEntity(e.ID)
	}
	cp := *e
	cp.AtomicKey = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.entities[e.ID] = &cp
	return nil
}

func (m *MemStore) GetEntity(_ context.Context, id string) (*engine.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) ListEntities(_ context.Context, stackID string) ([]*engine.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.Entity
	for _, e := range m.entities {
		if e.StackID == stackID && !e.Tombstone {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) ClaimEntity(_ context.Context, id string, expectedKey int64, engineID, traversalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return 0, engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	if e.AtomicKey != expectedKey {
		return 0, engine.NewConflictError("atomic key moved", nil).
			WithCode(engine.ErrCodeCASConflict).WithEntity(id)
	}
	e.AtomicKey++
	e.EngineID = engineID
	e.TraversalID = traversalID
	e.UpdatedAt = time.Now()
	return e.AtomicKey, nil
}

func (m *MemStore) PrepareEntity(_ context.Context, in *engine.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[in.ID]
	if !ok {
		cp := *in
		cp.AtomicKey = 1
		cp.CreatedAt = time.Now()
		cp.UpdatedAt = cp.CreatedAt
		m.entities[in.ID] = &cp
		return nil
	}
	e.Action = in.Action
	e.Status = in.Status
	e.StatusReason = ""
	e.TraversalID = in.TraversalID
	e.Requires = in.Requires
	e.NeededBy = in.NeededBy
	e.Replaces = in.Replaces
	e.ReplacedBy = in.ReplacedBy
	if len(in.Properties) > 0 {
		e.Properties = in.Properties
	}
	e.Tombstone = false
	e.AtomicKey++
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SetEntityStatus(_ context.Context, id string, atomicKey int64, status engine.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	if e.AtomicKey != atomicKey {
		return engine.NewConflictError("atomic key moved", nil).
			WithCode(engine.ErrCodeCASConflict).WithEntity(id)
	}
	e.Status = status
	e.StatusReason = reason
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SetProviderRef(_ context.Context, id string, atomicKey int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	if e.AtomicKey != atomicKey {
		return engine.NewConflictError("atomic key moved", nil).
			WithCode(engine.ErrCodeCASConflict).WithEntity(id)
	}
	e.ProviderRef = ref
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) TombstoneEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	e.Tombstone = true
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) PurgeTombstones(_ context.Context, stackID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entities {
		if e.StackID == stackID && e.Tombstone {
			delete(m.entities, id)
			n++
		}
	}
	return n, nil
}

// Sync point operations

func (m *MemStore) CreateSyncPoint(_ context.Context, sp *engine.SyncPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncPoints[sp.Key()]; ok {
		return engine.NewPermanentError("sync point already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithEntity(sp.EntityID)
	}
	cp := *sp
	cp.AtomicKey = 1
	cp.Expected = append([]string(nil), sp.Expected...)
	cp.Satisfied = clonePayloads(sp.Satisfied)
	m.syncPoints[sp.Key()] = &cp
	return nil
}

func (m *MemStore) GetSyncPoint(_ context.Context, key engine.SyncPointKey) (*engine.SyncPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.syncPoints[key]
	if !ok {
		return nil, engine.NewPermanentError("sync point not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(key.EntityID)
	}
	cp := *sp
	cp.Expected = append([]string(nil), sp.Expected...)
	cp.Satisfied = clonePayloads(sp.Satisfied)
	return &cp, nil
}

func (m *MemStore) UpdateSyncPoint(_ context.Context, sp *engine.SyncPoint, expectedKey int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.syncPoints[sp.Key()]
	if !ok {
		return engine.NewPermanentError("sync point not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(sp.EntityID)
	}
	if cur.AtomicKey != expectedKey {
		return engine.NewConflictError("atomic key moved", nil).
			WithCode(engine.ErrCodeCASConflict).WithEntity(sp.EntityID)
	}
	cur.Satisfied = clonePayloads(sp.Satisfied)
	cur.AtomicKey++
	return nil
}

func (m *MemStore) DeleteSyncPoints(_ context.Context, traversalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.syncPoints {
		if key.TraversalID == traversalID {
			delete(m.syncPoints, key)
			n++
		}
	}
	return n, nil
}

// Stack operations

func (m *MemStore) CreateStack(_ context.Context, s *engine.Stack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stacks[s.ID]; ok {
		return engine.NewPermanentError("stack already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	for _, existing := range m.stacks {
		if existing.Name == s.Name {
			return engine.NewPermanentError("stack already exists", nil).
				WithCode(engine.ErrCodeAlreadyExists)
		}
	}
	cp := *s
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.stacks[s.ID] = &cp
	return nil
}

func (m *MemStore) GetStack(_ context.Context, id string) (*engine.Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[id]
	if !ok {
		return nil, engine.NewPermanentError("stack not found", nil).
			WithCode(engine.ErrCodeNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) GetStackByName(_ context.Context, name string) (*engine.Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stacks {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, engine.NewPermanentError("stack not found", nil).
		WithCode(engine.ErrCodeNotFound)
}

func (m *MemStore) UpdateStackTraversal(_ context.Context, stackID, oldTraversalID, newTraversalID string, graph, prevGraph *engine.Graph, action engine.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return engine.NewPermanentError("stack not found", nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if s.CurrentTraversalID != oldTraversalID {
		return engine.NewConflictError("traversal pointer moved", nil).
			WithCode(engine.ErrCodeStaleTraversal)
	}
	s.CurrentTraversalID = newTraversalID
	s.CurrentGraph = graph
	s.PrevGraph = prevGraph
	s.Action = action
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SetStackStatus(_ context.Context, stackID, traversalID string, action engine.Action, status engine.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return engine.NewPermanentError("stack not found", nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if s.CurrentTraversalID != traversalID {
		return engine.NewConflictError("traversal pointer moved", nil).
			WithCode(engine.ErrCodeStaleTraversal)
	}
	s.Action = action
	s.Status = status
	s.StatusReason = reason
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SetStackBackup(_ context.Context, stackID string, backup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return engine.NewPermanentError("stack not found", nil).
			WithCode(engine.ErrCodeNotFound)
	}
	s.Backup = backup
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) AcquireStackLock(_ context.Context, stackID, engineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.locks[stackID]; ok && holder != engineID {
		return engine.NewConflictError("stack locked by "+holder, nil).
			WithCode(engine.ErrCodeCASConflict)
	}
	m.locks[stackID] = engineID
	return nil
}

func (m *MemStore) ReleaseStackLock(_ context.Context, stackID, engineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[stackID] == engineID {
		delete(m.locks, stackID)
	}
	return nil
}

// Event log

func (m *MemStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	cp.ID = m.nextEvent
	m.nextEvent++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemStore) ListEvents(_ context.Context, stackID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].StackID == stackID {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func clonePayloads(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
