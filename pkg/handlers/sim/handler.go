// Package sim provides a simulated provider handler. It creates no
// real infrastructure; entities converge after a configurable number
// of completion checks, and definition properties can inject failures.
// It backs local demos and end-to-end exercises of the engine.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openstrata/strata/pkg/engine"
)

// Property keys the simulator interprets. Everything else is carried
// opaquely.
const (
	// PropSteps is the number of completion checks before an action
	// finishes, default 1.
	PropSteps = "sim_steps"

	// PropFail names an operation ("create", "update", "delete") that
	// fails permanently.
	PropFail = "sim_fail"

	// PropFlaky is the number of completion checks that return a
	// transient error before checks behave normally.
	PropFlaky = "sim_flaky"
)

// Types the simulator registers handlers for.
var Types = []string{
	"sim.network",
	"sim.subnet",
	"sim.instance",
	"sim.volume",
	"sim.record",
}

type object struct {
	name      string
	stepsLeft int
	flakyLeft int
	deleting  bool
}

// Handler implements engine.Handler against an in-memory provider.
type Handler struct {
	mu      sync.Mutex
	objects map[string]*object

	// immutableKeys force replacement when changed, instead of an
	// in-place update.
	immutableKeys []string
}

// New creates a simulator. Changing any of the given property keys
// forces entity replacement.
func New(immutableKeys ...string) *Handler {
	return &Handler{
		objects:       make(map[string]*object),
		immutableKeys: immutableKeys,
	}
}

// Register registers the simulator for all simulated types.
func Register(reg *engine.Registry, h *Handler) error {
	for _, t := range Types {
		if err := reg.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

type simProps struct {
	Steps int    `json:"sim_steps"`
	Fail  string `json:"sim_fail"`
	Flaky int    `json:"sim_flaky"`
}

func parseProps(raw json.RawMessage) (simProps, error) {
	p := simProps{Steps: 1}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, engine.NewPermanentError("invalid properties", err).
			WithCode(engine.ErrCodeValidation)
	}
	if p.Steps <= 0 {
		p.Steps = 1
	}
	return p, nil
}

func (h *Handler) begin(op string, req engine.HandlerRequest) (string, error) {
	p, err := parseProps(req.Properties)
	if err != nil {
		return "", err
	}
	if p.Fail == op {
		return "", engine.NewPermanentError(
			fmt.Sprintf("simulated %s failure for %s", op, req.Name), nil).
			WithCode(engine.ErrCodeHandlerFailed)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ref := req.ProviderRef
	if op == "create" || ref == "" {
		ref = "sim-" + uuid.New().String()[:8]
	}
	h.objects[ref] = &object{
		name:      req.Name,
		stepsLeft: p.Steps,
		flakyLeft: p.Flaky,
		deleting:  op == "delete",
	}
	return ref, nil
}

func (h *Handler) checkComplete(req engine.HandlerRequest) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, ok := h.objects[req.ProviderRef]
	if !ok {
		// An unknown reference is treated as already gone; for forward
		// actions that means the begin never landed.
		return true, nil
	}
	if obj.flakyLeft > 0 {
		obj.flakyLeft--
		return false, engine.NewTransientError("simulated provider flake", nil)
	}
	if obj.stepsLeft > 0 {
		obj.stepsLeft--
		return false, nil
	}
	if obj.deleting {
		delete(h.objects, req.ProviderRef)
	}
	return true, nil
}

// BeginCreate starts a simulated creation.
func (h *Handler) BeginCreate(ctx context.Context, req engine.HandlerRequest) (string, error) {
	return h.begin("create", req)
}

// CheckCreateComplete reports whether creation finished.
func (h *Handler) CheckCreateComplete(ctx context.Context, req engine.HandlerRequest) (bool, error) {
	return h.checkComplete(req)
}

// BeginUpdate starts a simulated in-place update.
func (h *Handler) BeginUpdate(ctx context.Context, req engine.HandlerRequest) (string, error) {
	return h.begin("update", req)
}

// CheckUpdateComplete reports whether the update finished.
func (h *Handler) CheckUpdateComplete(ctx context.Context, req engine.HandlerRequest) (bool, error) {
	return h.checkComplete(req)
}

// BeginDelete starts a simulated deletion.
func (h *Handler) BeginDelete(ctx context.Context, req engine.HandlerRequest) (string, error) {
	return h.begin("delete", req)
}

// CheckDeleteComplete reports whether the deletion finished.
func (h *Handler) CheckDeleteComplete(ctx context.Context, req engine.HandlerRequest) (bool, error) {
	return h.checkComplete(req)
}

// NeedsReplace reports true when any immutable property key changed.
func (h *Handler) NeedsReplace(oldProps, newProps json.RawMessage) (bool, error) {
	if len(h.immutableKeys) == 0 {
		return false, nil
	}
	var oldMap, newMap map[string]interface{}
	if len(oldProps) > 0 {
		if err := json.Unmarshal(oldProps, &oldMap); err != nil {
			return false, engine.NewPermanentError("invalid old properties", err).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if len(newProps) > 0 {
		if err := json.Unmarshal(newProps, &newMap); err != nil {
			return false, engine.NewPermanentError("invalid new properties", err).
				WithCode(engine.ErrCodeValidation)
		}
	}
	for _, key := range h.immutableKeys {
		if fmt.Sprint(oldMap[key]) != fmt.Sprint(newMap[key]) {
			return true, nil
		}
	}
	return false, nil
}

// ObjectCount reports how many simulated objects currently exist.
func (h *Handler) ObjectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}
