package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openstrata/strata/pkg/engine"
	"github.com/openstrata/strata/pkg/handlers/sim"
	"github.com/openstrata/strata/pkg/stores"
	"github.com/openstrata/strata/pkg/telemetry"
)

// stateStore is the store surface commands depend on, satisfied by
// both the SQLite and the in-memory implementation.
type stateStore interface {
	engine.Store
	AppendEvent(ctx context.Context, ev *stores.Event) error
	ListEvents(ctx context.Context, stackID string, limit int) ([]*stores.Event, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// openStore opens the store selected by the global flags, running
// migrations where the backend has any.
func openStore(ctx context.Context) (stateStore, error) {
	switch storeKind {
	case "memory":
		return stores.NewMemStore(), nil
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s (must be 'sqlite' or 'memory')", storeKind)
	}
}

// runtime bundles the wired engine a command operates through: the
// state store, the telemetry surface, and a started controller.
type runtime struct {
	store stateStore
	tel   *telemetry.Telemetry
	ctrl  *engine.Controller
}

type runtimeOptions struct {
	workers       int
	immutableKeys []string
}

// newRuntime opens the store, runs migrations, and starts a controller
// with the simulated handler registered for all its types.
func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = metricsAddr != ""
	cfg.Metrics.ListenAddress = metricsAddr

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, err
		}
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistry()
	simHandler := sim.New(opts.immutableKeys...)
	for _, typeTag := range sim.Types {
		if err := registry.Register(typeTag, telemetry.InstrumentHandler(typeTag, simHandler)); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	dcfg := engine.DefaultDispatcherConfig("engine-" + uuid.New().String()[:8])
	if opts.workers > 0 {
		dcfg.Workers = opts.workers
	}

	ctrl := engine.NewController(store, registry, dcfg, tel.Sink(store))
	// Handler instrumentation finds the telemetry through the dispatch
	// context.
	ctx = tel.WithContext(ctx)
	if err := ctrl.Start(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &runtime{store: store, tel: tel, ctrl: ctrl}, nil
}

// close stops the controller and releases the store.
func (r *runtime) close(ctx context.Context) {
	r.ctrl.Stop()
	_ = r.tel.Shutdown(ctx)
	_ = r.store.Close()
}

// awaitTraversal polls the stack until the given traversal reaches a
// terminal status, is superseded by a newer one, or the context ends.
func (r *runtime) awaitTraversal(ctx context.Context, stackID, traversalID string) (*engine.Stack, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		stack, err := r.store.GetStack(ctx, stackID)
		if err != nil {
			return nil, err
		}
		if stack.CurrentTraversalID != traversalID {
			return stack, fmt.Errorf("traversal %s superseded by %s", traversalID, stack.CurrentTraversalID)
		}
		if stack.Status.IsTerminal() {
			return stack, nil
		}

		select {
		case <-ctx.Done():
			return stack, ctx.Err()
		case <-ticker.C:
		}
	}
}
