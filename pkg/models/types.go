package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of change a PendingMutation carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// EntityRecord is a cached domain object (lesson, quiz, progress, ...).
// At most one record exists per (EntityType, ID).
type EntityRecord struct {
	EntityType string          `json:"entity_type"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Dirty      bool            `json:"dirty,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// PendingMutation is an outbox entry awaiting confirmation by the remote authority.
type PendingMutation struct {
	MutationID   string          `json:"mutation_id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
}

// LostUpdate is a local change the remote authority permanently rejected.
type LostUpdate struct {
	Mutation PendingMutation
	Reason   string
}
