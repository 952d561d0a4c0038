// Package stores provides the SQLite persistence layer for stacks,
// entities, sync points, the stack advisory lock, and the control
// event audit trail.
//
// The store never wraps multi-row transactions around engine state:
// every mutation of a shared field is a single-row UPDATE guarded by
// the row's atomic key (or the stack's traversal pointer), and a
// guarded update that matches no row surfaces as a conflict-class
// error the engine treats as a lost race.
package stores
