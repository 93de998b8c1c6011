package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogAction enumerates the kinds of mutation a log entry records.
type LogAction string

const (
	LogActionCreated LogAction = "created"
	LogActionUpdated LogAction = "updated"
)

// LogEntry is one immutable revision of an audited entity.
type LogEntry struct {
	ID            uuid.UUID     `json:"id"`
	EntityID      uuid.UUID     `json:"entity_id"`
	Sequence      int64         `json:"sequence"`
	ChangedAt     time.Time     `json:"changed_at"`
	ChangedBy     string        `json:"changed_by"`
	Action        LogAction     `json:"action"`
	ChangedFields []FieldChange `json:"changed_fields"`
	Snapshot      Snapshot      `json:"snapshot"`
	RevertedFrom  *uuid.UUID    `json:"reverted_from,omitempty"`
}

// IsRevert reports whether the entry was produced by restoring an earlier snapshot.
func (e LogEntry) IsRevert() bool {
	return e.RevertedFrom != nil
}

// HasSnapshot reports whether the entry carries restorable state.
func (e LogEntry) HasSnapshot() bool {
	return len(e.Snapshot) > 0
}

// EntityWrite describes a committed entity mutation handed to the change recorder.
// Previous is nil for creates. Sequence is the entity version after the write.
type EntityWrite struct {
	EntityID uuid.UUID
	Actor    string
	Previous EntityState
	Current  EntityState
	Sequence int64
}

// ActorRef pairs an opaque actor id with the display name resolved at query time.
type ActorRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
