package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityState is the persisted field bag of an audited entity, keyed by column name.
type EntityState map[string]any

// FieldSet is an ordered allow-list of field names that participate in diffing.
type FieldSet []string

// Contains reports whether name is part of the allow-list.
func (f FieldSet) Contains(name string) bool {
	for _, field := range f {
		if field == name {
			return true
		}
	}
	return false
}

// FieldChange is one changed field with its rendered old and new values.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// DiffStates compares previous and current on every field of the allow-list and
// returns the changes in allow-list order. Values are compared in their rendered
// form, so 8, 8.0 and "8" are equal. A nil previous state yields every non-empty
// field as an addition.
func DiffStates(fields FieldSet, previous, current EntityState) []FieldChange {
	changes := make([]FieldChange, 0)
	for _, field := range fields {
		var before any
		if previous != nil {
			before = previous[field]
		}
		oldValue := RenderValue(before)
		newValue := RenderValue(current[field])
		if oldValue == newValue {
			continue
		}
		changes = append(changes, FieldChange{Field: field, Old: oldValue, New: newValue})
	}
	return changes
}

// RenderValue coerces a field value into its display form.
func RenderValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FormatChanges renders changes as "field: old → new" pairs joined by sep.
func FormatChanges(changes []FieldChange, sep string) string {
	parts := make([]string, len(changes))
	for i, change := range changes {
		parts[i] = fmt.Sprintf("%s: %s → %s", change.Field, change.Old, change.New)
	}
	return strings.Join(parts, sep)
}
