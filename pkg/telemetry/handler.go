package telemetry

import (
	"context"
	"encoding/json"

	"github.com/openstrata/strata/pkg/engine"
)

// instrumentedHandler wraps an entity handler so every begin and
// completion check runs under RecordHandlerOperation.
type instrumentedHandler struct {
	entityType string
	inner      engine.Handler
}

// InstrumentHandler wraps a handler with per-operation tracing, call
// counting, and duration recording. The telemetry instance is picked up
// from the call context, so a wrapped handler works unchanged when no
// telemetry is attached.
func InstrumentHandler(entityType string, h engine.Handler) engine.Handler {
	return &instrumentedHandler{entityType: entityType, inner: h}
}

func (h *instrumentedHandler) BeginCreate(ctx context.Context, req engine.HandlerRequest) (string, error) {
	return h.begin(ctx, "begin_create", h.inner.BeginCreate, req)
}

func (h *instrumentedHandler) CheckCreateComplete(ctx context.Context, req engine.HandlerRequest) (bool, error) {
	return h.check(ctx, "check_create", h.inner.CheckCreateComplete, req)
}

func (h *instrumentedHandler) BeginUpdate(ctx context.Context, req engine.HandlerRequest) (string, error) {
	return h.begin(ctx, "begin_update", h.inner.BeginUpdate, req)
}

func (h *instrumentedHandler) CheckUpdateComplete(ctx context.Context, req engine.HandlerRequest) (bool, error) {
	return h.check(ctx, "check_update", h.inner.CheckUpdateComplete, req)
}

func (h *instrumentedHandler) BeginDelete(ctx context.Context, req engine.HandlerRequest) (string, error) {
	return h.begin(ctx, "begin_delete", h.inner.BeginDelete, req)
}

func (h *instrumentedHandler) CheckDeleteComplete(ctx context.Context, req engine.HandlerRequest) (bool, error) {
	return h.check(ctx, "check_delete", h.inner.CheckDeleteComplete, req)
}

// NeedsReplace is a pure classification call at diff time and is not
// instrumented.
func (h *instrumentedHandler) NeedsReplace(old, new json.RawMessage) (bool, error) {
	return h.inner.NeedsReplace(old, new)
}

func (h *instrumentedHandler) begin(ctx context.Context, op string, fn func(context.Context, engine.HandlerRequest) (string, error), req engine.HandlerRequest) (string, error) {
	var ref string
	err := RecordHandlerOperation(ctx, h.entityType, op, func() error {
		var err error
		ref, err = fn(ctx, req)
		return err
	})
	return ref, err
}

func (h *instrumentedHandler) check(ctx context.Context, op string, fn func(context.Context, engine.HandlerRequest) (bool, error), req engine.HandlerRequest) (bool, error) {
	var done bool
	err := RecordHandlerOperation(ctx, h.entityType, op, func() error {
		var err error
		done, err = fn(ctx, req)
		return err
	})
	return done, err
}
