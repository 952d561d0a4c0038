package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same compare-and-swap
// semantics the SQLite store provides.
type memStore struct {
	mu         sync.Mutex
	entities   map[string]*Entity
	syncPoints map[SyncPointKey]*SyncPoint
	stacks     map[string]*Stack
	locks      map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		entities:   make(map[string]*Entity),
		syncPoints: make(map[SyncPointKey]*SyncPoint),
		stacks:     make(map[string]*Stack),
		locks:      make(map[string]string),
	}
}

func (m *memStore) CreateEntity(ctx context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; ok {
		return NewPermanentError("entity exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	cp := *e
	cp.AtomicKey = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.entities[e.ID] = &cp
	return nil
}

func (m *memStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, NewPermanentError("entity not found", nil).WithCode(ErrCodeNotFound).WithEntity(id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ListEntities(ctx context.Context, stackID string) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for _, e := range m.entities {
		if e.StackID == stackID && !e.Tombstone {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ClaimEntity(ctx context.Context, id string, expectedKey int64, engineID, traversalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return 0, NewPermanentError("entity not found", nil).WithCode(ErrCodeNotFound).WithEntity(id)
	}
	if e.AtomicKey != expectedKey {
		return 0, NewConflictError("atomic key moved", nil).WithCode(ErrCodeCASConflict).WithEntity(id)
	}
	e.AtomicKey++
	e.EngineID = engineID
	e.TraversalID = traversalID
	e.UpdatedAt = time.Now()
	return e.AtomicKey, nil
}

func (m *memStore) PrepareEntity(ctx context.Context, in *Entity) error {
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
	e.AtomicKey++
	e.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetEntityStatus(ctx context.Context, id string, atomicKey int64, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return NewPermanentError("entity not found", nil).WithCode(ErrCodeNotFound).WithEntity(id)
	}
	if e.AtomicKey != atomicKey {
		return NewConflictError("atomic key moved", nil).WithCode(ErrCodeCASConflict).WithEntity(id)
	}
	e.Status = status
	e.StatusReason = reason
	e.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetProviderRef(ctx context.Context, id string, atomicKey int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return NewPermanentError("entity not found", nil).WithCode(ErrCodeNotFound).WithEntity(id)
	}
	if e.AtomicKey != atomicKey {
		return NewConflictError("atomic key moved", nil).WithCode(ErrCodeCASConflict).WithEntity(id)
	}
	e.ProviderRef = ref
	e.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) TombstoneEntity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return NewPermanentError("entity not found", nil).WithCode(ErrCodeNotFound).WithEntity(id)
	}
	e.Tombstone = true
	return nil
}

func (m *memStore) PurgeTombstones(ctx context.Context, stackID string) (int64, error) {
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

func (m *memStore) CreateSyncPoint(ctx context.Context, sp *SyncPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncPoints[sp.Key()]; ok {
		return NewPermanentError("sync point exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	cp := *sp
	cp.AtomicKey = 1
	cp.Expected = append([]string(nil), sp.Expected...)
	cp.Satisfied = copyPayloads(sp.Satisfied)
	m.syncPoints[sp.Key()] = &cp
	return nil
}

func (m *memStore) GetSyncPoint(ctx context.Context, key SyncPointKey) (*SyncPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.syncPoints[key]
	if !ok {
		return nil, NewPermanentError("sync point not found", nil).WithCode(ErrCodeNotFound)
	}
	cp := *sp
	cp.Expected = append([]string(nil), sp.Expected...)
	cp.Satisfied = copyPayloads(sp.Satisfied)
	return &cp, nil
}

func (m *memStore) UpdateSyncPoint(ctx context.Context, sp *SyncPoint, expectedKey int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.syncPoints[sp.Key()]
	if !ok {
		return NewPermanentError("sync point not found", nil).WithCode(ErrCodeNotFound)
	}
	if cur.AtomicKey != expectedKey {
		return NewConflictError("atomic key moved", nil).WithCode(ErrCodeCASConflict)
	}
	cur.Satisfied = copyPayloads(sp.Satisfied)
	cur.AtomicKey++
	return nil
}

func (m *memStore) DeleteSyncPoints(ctx context.Context, traversalID string) (int64, error) {
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

func (m *memStore) CreateStack(ctx context.Context, s *Stack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stacks[s.ID]; ok {
		return NewPermanentError("stack exists", nil).WithCode(ErrCodeAlreadyExists)
	}
	cp := *s
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.stacks[s.ID] = &cp
	return nil
}

func (m *memStore) GetStack(ctx context.Context, id string) (*Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[id]
	if !ok {
		return nil, NewPermanentError("stack not found", nil).WithCode(ErrCodeNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetStackByName(ctx context.Context, name string) (*Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stacks {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, NewPermanentError("stack not found", nil).WithCode(ErrCodeNotFound)
}

func (m *memStore) UpdateStackTraversal(ctx context.Context, stackID, oldTraversalID, newTraversalID string, graph, prevGraph *Graph, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return NewPermanentError("stack not found", nil).WithCode(ErrCodeNotFound)
	}
	if s.CurrentTraversalID != oldTraversalID {
		return NewConflictError("traversal pointer moved", nil).WithCode(ErrCodeStaleTraversal)
	}
	s.CurrentTraversalID = newTraversalID
	s.CurrentGraph = graph
	s.PrevGraph = prevGraph
	s.Action = action
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetStackStatus(ctx context.Context, stackID, traversalID string, action Action, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return NewPermanentError("stack not found", nil).WithCode(ErrCodeNotFound)
	}
	if s.CurrentTraversalID != traversalID {
		return NewConflictError("traversal pointer moved", nil).WithCode(ErrCodeStaleTraversal)
	}
	s.Action = action
	s.Status = status
	s.StatusReason = reason
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetStackBackup(ctx context.Context, stackID string, backup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return NewPermanentError("stack not found", nil).WithCode(ErrCodeNotFound)
	}
	s.Backup = backup
	return nil
}

func (m *memStore) AcquireStackLock(ctx context.Context, stackID, engineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.locks[stackID]; ok && holder != engineID {
		return NewConflictError("stack locked by "+holder, nil).WithCode(ErrCodeCASConflict)
	}
	m.locks[stackID] = engineID
	return nil
}

func (m *memStore) ReleaseStackLock(ctx context.Context, stackID, engineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[stackID] == engineID {
		delete(m.locks, stackID)
	}
	return nil
}

func copyPayloads(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mockHandler is a configurable provider stand-in. Completion checks
// report in-progress until each entity's configured poll count drains.
type mockHandler struct {
	mu          sync.Mutex
	pollsLeft   map[string]int
	beginErrs   map[string]error
	checkErrs   map[string]error
	replace     bool
	beginOrder  []string
	checkCounts map[string]int
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		pollsLeft:   make(map[string]int),
		beginErrs:   make(map[string]error),
		checkErrs:   make(map[string]error),
		checkCounts: make(map[string]int),
	}
}

// begin looks up injected errors by "op:name" first, then by name.
func (h *mockHandler) begin(op string, req HandlerRequest) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.beginErrs[op+":"+req.Name]; ok && err != nil {
		return "", err
	}
	if err, ok := h.beginErrs[req.Name]; ok && err != nil {
		return "", err
	}
	h.beginOrder = append(h.beginOrder, fmt.Sprintf("%s:%s", op, req.Name))
	return "ref-" + req.Name, nil
}

func (h *mockHandler) checkComplete(req HandlerRequest) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkCounts[req.Name]++
	if err, ok := h.checkErrs[req.Name]; ok && err != nil {
		return false, err
	}
	if h.pollsLeft[req.Name] > 0 {
		h.pollsLeft[req.Name]--
		return false, nil
	}
	return true, nil
}

func (h *mockHandler) BeginCreate(ctx context.Context, req HandlerRequest) (string, error) {
	return h.begin("create", req)
}
func (h *mockHandler) CheckCreateComplete(ctx context.Context, req HandlerRequest) (bool, error) {
	return h.checkComplete(req)
}
func (h *mockHandler) BeginUpdate(ctx context.Context, req HandlerRequest) (string, error) {
	return h.begin("update", req)
}
func (h *mockHandler) CheckUpdateComplete(ctx context.Context, req HandlerRequest) (bool, error) {
	return h.checkComplete(req)
}
func (h *mockHandler) BeginDelete(ctx context.Context, req HandlerRequest) (string, error) {
	return h.begin("delete", req)
}
func (h *mockHandler) CheckDeleteComplete(ctx context.Context, req HandlerRequest) (bool, error) {
	return h.checkComplete(req)
}
func (h *mockHandler) NeedsReplace(old, new json.RawMessage) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replace, nil
}

func (h *mockHandler) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.beginOrder...)
}

// recordSink captures published control events.
type recordSink struct {
	mu     sync.Mutex
	events []ControlEvent
}

func (s *recordSink) Publish(ctx context.Context, ev ControlEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) byType(t string) []ControlEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ControlEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// gnode builds a graph node for tests.
func gnode(name, typeTag, props string, requires ...string) *GraphNode {
	n := &GraphNode{Name: name, Type: typeTag, Requires: requires}
	if props != "" {
		n.Properties = json.RawMessage(props)
	}
	return n
}

func graphOf(nodes ...*GraphNode) *Graph {
	g := &Graph{Nodes: make(map[string]*GraphNode, len(nodes))}
	for _, n := range nodes {
		g.Nodes[n.Name] = n
	}
	return g
}

// testConfig returns dispatcher settings tuned for fast tests.
func testConfig() DispatcherConfig {
	return DispatcherConfig{
		EngineID:        "engine-test",
		Workers:         4,
		QueueSize:       64,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
		MaxAttempts:     3,
		ActionTimeout:   5 * time.Second,
	}
}

// waitForStackStatus polls until the stack reaches the wanted status.
func waitForStackStatus(store *memStore, stackID string, status Status, timeout time.Duration) (*Stack, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s, err := store.GetStack(context.Background(), stackID)
		if err == nil && s.Status == status {
			return s, true
		}
		time.Sleep(2 * time.Millisecond)
	}
	s, _ := store.GetStack(context.Background(), stackID)
	return s, false
}
