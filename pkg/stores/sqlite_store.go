package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openstrata/strata/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store on SQLite. All shared-field
// mutation is a single-row UPDATE guarded by the row's atomic key; a
// zero rows-affected result on an existing row is a lost CAS and comes
// back as a conflict-class error.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, re-applied in case the DSN was ignored.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable and writable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// --- entities ---

const entityColumns = `id, name, type, stack_id, action, status, status_reason,
	atomic_key, traversal_id, requires, needed_by, replaces, replaced_by,
	engine_id, properties, provider_ref, tombstone, created_at, updated_at`

// CreateEntity inserts a new entity record.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *engine.Entity) error {
	query := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Name,
		e.Type,
		e.StackID,
		string(e.Action),
		string(e.Status),
		e.StatusReason,
		int64(1),
		e.TraversalID,
		marshalStrings(e.Requires),
		marshalStrings(e.NeededBy),
		e.Replaces,
		e.ReplacedBy,
		e.EngineID,
		string(e.Properties),
		e.ProviderRef,
		boolToInt(e.Tombstone),
		now,
		now,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("entity already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithEntity(e.ID)
		}
		return fmt.Errorf("failed to create entity: %w", err)
	}

	return nil
}

// GetEntity retrieves an entity by ID.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*engine.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = ?`
	return s.scanEntity(s.db.QueryRowContext(ctx, query, id), id)
}

func (s *SQLiteStore) scanEntity(row *sql.Row, id string) (*engine.Entity, error) {
	e := &engine.Entity{}
	var action, status, requires, neededBy, properties string
	var tombstone int

	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Type,
		&e.StackID,
		&action,
		&status,
		&e.StatusReason,
		&e.AtomicKey,
		&e.TraversalID,
		&requires,
		&neededBy,
		&e.Replaces,
		&e.ReplacedBy,
		&e.EngineID,
		&properties,
		&e.ProviderRef,
		&tombstone,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	e.Action = engine.Action(action)
	e.Status = engine.Status(status)
	e.Tombstone = tombstone != 0
	if properties != "" {
		e.Properties = json.RawMessage(properties)
	}
	if e.Requires, err = unmarshalStrings(requires); err != nil {
		return nil, fmt.Errorf("failed to decode requires: %w", err)
	}
	if e.NeededBy, err = unmarshalStrings(neededBy); err != nil {
		return nil, fmt.Errorf("failed to decode needed_by: %w", err)
	}
	return e, nil
}

// ListEntities lists all non-tombstoned entities of a stack.
func (s *SQLiteStore) ListEntities(ctx context.Context, stackID string) ([]*engine.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE stack_id = ? AND tombstone = 0 ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, stackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	entities := []*engine.Entity{}
	for rows.Next() {
		e := &engine.Entity{}
		var action, status, requires, neededBy, properties string
		var tombstone int

		err := rows.Scan(
			&e.ID,
			&e.Name,
			&e.Type,
			&e.StackID,
			&action,
			&status,
			&e.StatusReason,
			&e.AtomicKey,
			&e.TraversalID,
			&requires,
			&neededBy,
			&e.Replaces,
			&e.ReplacedBy,
			&e.EngineID,
			&properties,
			&e.ProviderRef,
			&tombstone,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Action = engine.Action(action)
		e.Status = engine.Status(status)
		e.Tombstone = tombstone != 0
		if properties != "" {
			e.Properties = json.RawMessage(properties)
		}
		if e.Requires, err = unmarshalStrings(requires); err != nil {
			return nil, fmt.Errorf("failed to decode requires: %w", err)
		}
		if e.NeededBy, err = unmarshalStrings(neededBy); err != nil {
			return nil, fmt.Errorf("failed to decode needed_by: %w", err)
		}
		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// ClaimEntity advances the entity's atomic key from expectedKey and
// records the claiming engine and traversal. Exactly one racer wins.
func (s *SQLiteStore) ClaimEntity(ctx context.Context, id string, expectedKey int64, engineID, traversalID string) (int64, error) {
	query := `
		UPDATE entities
		SET atomic_key = atomic_key + 1, engine_id = ?, traversal_id = ?, updated_at = ?
		WHERE id = ? AND atomic_key = ?
	`

	result, err := s.db.ExecContext(ctx, query, engineID, traversalID, time.Now().UTC(), id, expectedKey)
	if err != nil {
		return 0, fmt.Errorf("failed to claim entity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, s.casFailure(ctx, "entities", "id", id, "claim lost")
	}
	return expectedKey + 1, nil
}

// PrepareEntity installs the entity's role for a new traversal,
// inserting the row if absent. The atomic key always advances, which
// invalidates any claim taken under the prior traversal. Empty
// properties leave the stored properties untouched.
func (s *SQLiteStore) PrepareEntity(ctx context.Context, e *engine.Entity) error {
	query := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			action = excluded.action,
			status = excluded.status,
			status_reason = '',
			traversal_id = excluded.traversal_id,
			requires = excluded.requires,
			needed_by = excluded.needed_by,
			replaces = excluded.replaces,
			replaced_by = excluded.replaced_by,
			properties = CASE WHEN excluded.properties != '' THEN excluded.properties ELSE entities.properties END,
			tombstone = 0,
			atomic_key = entities.atomic_key + 1,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Name,
		e.Type,
		e.StackID,
		string(e.Action),
		string(e.Status),
		"",
		int64(1),
		e.TraversalID,
		marshalStrings(e.Requires),
		marshalStrings(e.NeededBy),
		e.Replaces,
		e.ReplacedBy,
		"",
		string(e.Properties),
		"",
		0,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare entity: %w", err)
	}
	return nil
}

// SetEntityStatus updates status fields, guarded by the atomic key.
func (s *SQLiteStore) SetEntityStatus(ctx context.Context, id string, atomicKey int64, status engine.Status, reason string) error {
	query := `
		UPDATE entities
		SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND atomic_key = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), reason, time.Now().UTC(), id, atomicKey)
	if err != nil {
		return fmt.Errorf("failed to set entity status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.casFailure(ctx, "entities", "id", id, "status write superseded")
	}
	return nil
}

// SetProviderRef records the handler's provider reference, guarded by
// the atomic key.
func (s *SQLiteStore) SetProviderRef(ctx context.Context, id string, atomicKey int64, ref string) error {
	query := `
		UPDATE entities
		SET provider_ref = ?, updated_at = ?
		WHERE id = ? AND atomic_key = ?
	`

	result, err := s.db.ExecContext(ctx, query, ref, time.Now().UTC(), id, atomicKey)
	if err != nil {
		return fmt.Errorf("failed to set provider ref: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.casFailure(ctx, "entities", "id", id, "provider ref write superseded")
	}
	return nil
}

// TombstoneEntity marks a deleted entity's row as a tombstone.
func (s *SQLiteStore) TombstoneEntity(ctx context.Context, id string) error {
	query := `UPDATE entities SET tombstone = 1, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone entity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError("entity not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(id)
	}
	return nil
}

// PurgeTombstones removes tombstoned entities of a stack.
func (s *SQLiteStore) PurgeTombstones(ctx context.Context, stackID string) (int64, error) {
	query := `DELETE FROM entities WHERE stack_id = ? AND tombstone = 1`

	result, err := s.db.ExecContext(ctx, query, stackID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// --- sync points ---

// CreateSyncPoint inserts a fan-in barrier.
func (s *SQLiteStore) CreateSyncPoint(ctx context.Context, sp *engine.SyncPoint) error {
	query := `
		INSERT INTO sync_points (entity_id, traversal_id, forward, atomic_key, expected, satisfied, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	satisfied, err := json.Marshal(sp.Satisfied)
	if err != nil {
		return fmt.Errorf("failed to encode satisfied set: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query,
		sp.EntityID,
		sp.TraversalID,
		boolToInt(sp.Forward),
		int64(1),
		marshalStrings(sp.Expected),
		string(satisfied),
		time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("sync point already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithEntity(sp.EntityID)
		}
		return fmt.Errorf("failed to create sync point: %w", err)
	}
	return nil
}

// GetSyncPoint retrieves a barrier by key.
func (s *SQLiteStore) GetSyncPoint(ctx context.Context, key engine.SyncPointKey) (*engine.SyncPoint, error) {
	query := `
		SELECT entity_id, traversal_id, forward, atomic_key, expected, satisfied
		FROM sync_points
		WHERE entity_id = ? AND traversal_id = ? AND forward = ?
	`

	sp := &engine.SyncPoint{}
	var forward int
	var expected, satisfied string
	err := s.db.QueryRowContext(ctx, query, key.EntityID, key.TraversalID, boolToInt(key.Forward)).Scan(
		&sp.EntityID,
		&sp.TraversalID,
		&forward,
		&sp.AtomicKey,
		&expected,
		&satisfied,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("sync point not found", nil).
			WithCode(engine.ErrCodeNotFound).WithEntity(key.EntityID).WithTraversal(key.TraversalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync point: %w", err)
	}

	sp.Forward = forward != 0
	if sp.Expected, err = unmarshalStrings(expected); err != nil {
		return nil, fmt.Errorf("failed to decode expected set: %w", err)
	}
	if err := json.Unmarshal([]byte(satisfied), &sp.Satisfied); err != nil {
		return nil, fmt.Errorf("failed to decode satisfied set: %w", err)
	}
	return sp, nil
}

// UpdateSyncPoint writes the satisfied set, advancing the atomic key
// from expectedKey.
func (s *SQLiteStore) UpdateSyncPoint(ctx context.Context, sp *engine.SyncPoint, expectedKey int64) error {
	query := `
		UPDATE sync_points
		SET satisfied = ?, atomic_key = atomic_key + 1
		WHERE entity_id = ? AND traversal_id = ? AND forward = ? AND atomic_key = ?
	`

	satisfied, err := json.Marshal(sp.Satisfied)
	if err != nil {
		return fmt.Errorf("failed to encode satisfied set: %w", err)
	}
	result, err := s.db.ExecContext(ctx, query,
		string(satisfied),
		sp.EntityID,
		sp.TraversalID,
		boolToInt(sp.Forward),
		expectedKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync point: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError("sync point update lost", nil).
			WithCode(engine.ErrCodeCASConflict).WithEntity(sp.EntityID).WithTraversal(sp.TraversalID)
	}
	return nil
}

// DeleteSyncPoints removes all barriers of a traversal.
func (s *SQLiteStore) DeleteSyncPoints(ctx context.Context, traversalID string) (int64, error) {
	query := `DELETE FROM sync_points WHERE traversal_id = ?`

	result, err := s.db.ExecContext(ctx, query, traversalID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync points: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// --- stacks ---

const stackColumns = `id, name, current_traversal_id, current_graph, prev_graph,
	action, status, status_reason, backup, nested_depth, rollback_enabled,
	created_at, updated_at`

// CreateStack inserts a new stack record.
func (s *SQLiteStore) CreateStack(ctx context.Context, st *engine.Stack) error {
	query := `
		INSERT INTO stacks (` + stackColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	currentGraph, err := marshalGraph(st.CurrentGraph)
	if err != nil {
		return err
	}
	prevGraph, err := marshalGraph(st.PrevGraph)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		st.ID,
		st.Name,
		st.CurrentTraversalID,
		currentGraph,
		prevGraph,
		string(st.Action),
		string(st.Status),
		st.StatusReason,
		boolToInt(st.Backup),
		st.NestedDepth,
		boolToInt(st.RollbackEnabled),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("stack already exists", err).
				WithCode(engine.ErrCodeAlreadyExists)
		}
		return fmt.Errorf("failed to create stack: %w", err)
	}
	return nil
}

// GetStack retrieves a stack by ID.
func (s *SQLiteStore) GetStack(ctx context.Context, id string) (*engine.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE id = ?`
	return s.scanStack(s.db.QueryRowContext(ctx, query, id))
}

// GetStackByName retrieves a stack by name.
func (s *SQLiteStore) GetStackByName(ctx context.Context, name string) (*engine.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE name = ?`
	return s.scanStack(s.db.QueryRowContext(ctx, query, name))
}

func (s *SQLiteStore) scanStack(row *sql.Row) (*engine.Stack, error) {
	st := &engine.Stack{}
	var action, status string
	var currentGraph, prevGraph sql.NullString
	var backup, rollbackEnabled int

	err := row.Scan(
		&st.ID,
		&st.Name,
		&st.CurrentTraversalID,
		&currentGraph,
		&prevGraph,
		&action,
		&status,
		&st.StatusReason,
		&backup,
		&st.NestedDepth,
		&rollbackEnabled,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("stack not found", nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}

	st.Action = engine.Action(action)
	st.Status = engine.Status(status)
	st.Backup = backup != 0
	st.RollbackEnabled = rollbackEnabled != 0
	if st.CurrentGraph, err = unmarshalGraph(currentGraph); err != nil {
		return nil, err
	}
	if st.PrevGraph, err = unmarshalGraph(prevGraph); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateStackTraversal advances the current traversal pointer from
// oldTraversalID, installing the new graph and retaining prevGraph as
// the rollback target.
func (s *SQLiteStore) UpdateStackTraversal(ctx context.Context, stackID, oldTraversalID, newTraversalID string, graph, prevGraph *engine.Graph, action engine.Action) error {
	query := `
		UPDATE stacks
		SET current_traversal_id = ?, current_graph = ?, prev_graph = ?, action = ?, updated_at = ?
		WHERE id = ? AND current_traversal_id = ?
	`

	graphJSON, err := marshalGraph(graph)
	if err != nil {
		return err
	}
	prevJSON, err := marshalGraph(prevGraph)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, query,
		newTraversalID, graphJSON, prevJSON, string(action), time.Now().UTC(),
		stackID, oldTraversalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stack traversal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.casFailure(ctx, "stacks", "id", stackID, "traversal pointer moved")
	}
	return nil
}

// SetStackStatus updates the stack's action and status, guarded by the
// traversal pointer.
func (s *SQLiteStore) SetStackStatus(ctx context.Context, stackID, traversalID string, action engine.Action, status engine.Status, reason string) error {
	query := `
		UPDATE stacks
		SET action = ?, status = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND current_traversal_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(action), string(status), reason, time.Now().UTC(),
		stackID, traversalID,
	)
	if err != nil {
		return fmt.Errorf("failed to set stack status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.casFailure(ctx, "stacks", "id", stackID, "stack status write superseded")
	}
	return nil
}

// SetStackBackup flips the transient backup flag.
func (s *SQLiteStore) SetStackBackup(ctx context.Context, stackID string, backup bool) error {
	query := `UPDATE stacks SET backup = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, boolToInt(backup), time.Now().UTC(), stackID)
	if err != nil {
		return fmt.Errorf("failed to set stack backup: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError("stack not found", nil).WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

// AcquireStackLock takes the stack-wide advisory lock. Re-acquiring a
// lock already held by the same engine succeeds.
func (s *SQLiteStore) AcquireStackLock(ctx context.Context, stackID, engineID string) error {
	query := `
		INSERT INTO stack_locks (stack_id, engine_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stack_id) DO UPDATE SET acquired_at = excluded.acquired_at
		WHERE stack_locks.engine_id = excluded.engine_id
	`

	result, err := s.db.ExecContext(ctx, query, stackID, engineID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to acquire stack lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError("stack locked by another engine", nil).
			WithCode(engine.ErrCodeCASConflict)
	}
	return nil
}

// ReleaseStackLock releases the advisory lock if held by engineID.
func (s *SQLiteStore) ReleaseStackLock(ctx context.Context, stackID, engineID string) error {
	query := `DELETE FROM stack_locks WHERE stack_id = ? AND engine_id = ?`

	if _, err := s.db.ExecContext(ctx, query, stackID, engineID); err != nil {
		return fmt.Errorf("failed to release stack lock: %w", err)
	}
	return nil
}

// --- events ---

// AppendEvent appends a control event to the durable audit trail.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO events (type, stack_id, traversal_id, entity_id, message, level, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	data := ev.Data
	if data == "" {
		data = "{}"
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		ev.Type, ev.StackID, ev.TraversalID, ev.EntityID, ev.Message, ev.Level, data, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events of a stack, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, stackID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, type, stack_id, traversal_id, entity_id, message, level, data, created_at
		FROM events
		WHERE stack_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, stackID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(
			&ev.ID, &ev.Type, &ev.StackID, &ev.TraversalID, &ev.EntityID,
			&ev.Message, &ev.Level, &ev.Data, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// --- helpers ---

// casFailure distinguishes a lost CAS from a missing row after a
// guarded UPDATE touched nothing.
func (s *SQLiteStore) casFailure(ctx context.Context, table, keyCol, keyVal, msg string) error {
	var exists int
	query := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE %s = ?", table, keyCol)
	if err := s.db.QueryRowContext(ctx, query, keyVal).Scan(&exists); err == nil && exists == 0 {
		return engine.NewPermanentError("record not found", nil).WithCode(engine.ErrCodeNotFound)
	}
	return engine.NewConflictError(msg, nil).WithCode(engine.ErrCodeCASConflict)
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalGraph(g *engine.Graph) (sql.NullString, error) {
	if g == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode graph: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalGraph(ns sql.NullString) (*engine.Graph, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	g := &engine.Graph{}
	if err := json.Unmarshal([]byte(ns.String), g); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
