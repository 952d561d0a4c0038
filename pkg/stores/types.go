package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Event is one persisted control event row, the durable audit trail of
// a stack's convergence history.
type Event struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	StackID     string    `json:"stack_id,omitempty"`
	TraversalID string    `json:"traversal_id,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Message     string    `json:"message"`
	Level       string    `json:"level"`
	Data        string    `json:"data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
