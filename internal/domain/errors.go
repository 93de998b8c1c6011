package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrJobOrderNotFound = errors.New("job order not found")
	ErrLogEntryNotFound = errors.New("log entry not found")
	ErrVersionConflict  = errors.New("job order was modified concurrently")
)

// EntityWriteError reports that the entity store rejected a write. No log entry
// exists for a rejected write.
type EntityWriteError struct {
	EntityID uuid.UUID
	Err      error
}

func (e *EntityWriteError) Error() string {
	return fmt.Sprintf("failed to write job order %s: %v", e.EntityID, e.Err)
}

func (e *EntityWriteError) Unwrap() error { return e.Err }

// LedgerAppendError reports that an entity write committed but its log entry was
// not appended. The entity and its history have diverged; the append is not retried.
type LedgerAppendError struct {
	EntityID uuid.UUID
	Sequence int64
	Err      error
}

func (e *LedgerAppendError) Error() string {
	return fmt.Sprintf("job order %s version %d committed without a log entry: %v", e.EntityID, e.Sequence, e.Err)
}

func (e *LedgerAppendError) Unwrap() error { return e.Err }

// RevertErrorKind classifies revert failures.
type RevertErrorKind string

const (
	// RevertNoSnapshot: the target entry carries no snapshot; nothing was written.
	RevertNoSnapshot RevertErrorKind = "no_snapshot"
	// RevertWriteFailed: the restoring write was rejected; nothing changed.
	RevertWriteFailed RevertErrorKind = "write_failed"
	// RevertNotLogged: the restoring write committed but was not recorded.
	RevertNotLogged RevertErrorKind = "not_logged"
)

// RevertError is returned by the revert engine.
type RevertError struct {
	Kind    RevertErrorKind
	EntryID uuid.UUID
	Err     error
}

func (e *RevertError) Error() string {
	switch e.Kind {
	case RevertNoSnapshot:
		return fmt.Sprintf("log entry %s has no snapshot to restore", e.EntryID)
	case RevertNotLogged:
		return fmt.Sprintf("job order restored from log entry %s but the change was not recorded: %v", e.EntryID, e.Err)
	default:
		return fmt.Sprintf("failed to restore log entry %s, nothing changed: %v", e.EntryID, e.Err)
	}
}

func (e *RevertError) Unwrap() error { return e.Err }

// EntityChanged reports whether the entity was modified despite the error.
func (e *RevertError) EntityChanged() bool {
	return e.Kind == RevertNotLogged
}
