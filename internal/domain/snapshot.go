package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot is a full copy of an entity's persisted fields as they stood right
// after a change. It keeps identifiers and timestamps verbatim; they are only
// dropped when a snapshot is reapplied.
type Snapshot map[string]any

// SnapshotStripFields are never written back to the entity store when a
// snapshot is reapplied.
var SnapshotStripFields = []string{
	FieldID,
	FieldJobOrderNumber,
	FieldVersion,
	FieldCreatedAt,
	FieldCreatedBy,
	FieldUpdatedAt,
}

// CaptureSnapshot copies every field of state into a new snapshot.
func CaptureSnapshot(state EntityState) Snapshot {
	out := make(Snapshot, len(state))
	for key, value := range state {
		out[key] = cloneValue(value)
	}
	return out
}

// StripSnapshot returns the snapshot's fields minus SnapshotStripFields. It never
// fails and passes every other field through untouched.
func StripSnapshot(snapshot Snapshot) EntityState {
	out := make(EntityState, len(snapshot))
	for key, value := range snapshot {
		out[key] = cloneValue(value)
	}
	for _, field := range SnapshotStripFields {
		delete(out, field)
	}
	return out
}

// State exposes the snapshot as an EntityState for diffing.
func (s Snapshot) State() EntityState {
	return EntityState(s)
}

// Encode marshals the snapshot for JSONB storage.
func (s Snapshot) Encode() (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(map[string]any(s))
}

// DecodeSnapshot parses a stored snapshot. Numbers are kept as json.Number so
// their rendered form does not drift.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snapshot, nil
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			out[key] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for idx, nested := range typed {
			out[idx] = cloneValue(nested)
		}
		return out
	default:
		return value
	}
}
