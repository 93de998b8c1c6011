package domain

import (
	"encoding/json"
	"testing"
)

func TestDiffStatesFollowsAllowListOrder(t *testing.T) {
	fields := FieldSet{"status", "hours", "notes"}
	previous := EntityState{"notes": "a", "status": "pending", "hours": float64(2)}
	current := EntityState{"notes": "b", "status": "in-progress", "hours": float64(2)}

	changes := DiffStates(fields, previous, current)

	expected := []FieldChange{
		{Field: "status", Old: "pending", New: "in-progress"},
		{Field: "notes", Old: "a", New: "b"},
	}
	if len(changes) != len(expected) {
		t.Fatalf("expected %d changes, got %d: %+v", len(expected), len(changes), changes)
	}
	for idx, change := range expected {
		if changes[idx] != change {
			t.Errorf("change %d: expected %+v got %+v", idx, change, changes[idx])
		}
	}
}

func TestDiffStatesIgnoresFieldsOutsideAllowList(t *testing.T) {
	previous := EntityState{"status": "pending", "updated_at": "2024-01-01T00:00:00Z", "version": int64(1)}
	current := EntityState{"status": "pending", "updated_at": "2024-02-01T00:00:00Z", "version": int64(2)}

	if changes := DiffStates(JobOrderTrackedFields, previous, current); len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
}

func TestDiffStatesComparesRenderedValues(t *testing.T) {
	fields := FieldSet{"hours", "materials_cost"}
	previous := EntityState{"hours": float64(8), "materials_cost": "12.5"}
	current := EntityState{"hours": json.Number("8.0"), "materials_cost": float64(12.5)}

	if changes := DiffStates(fields, previous, current); len(changes) != 0 {
		t.Fatalf("expected numerically equal values to match, got %+v", changes)
	}
}

func TestDiffStatesTreatsMissingAsEmpty(t *testing.T) {
	fields := FieldSet{"assigned_to", "due_date"}
	previous := EntityState{"due_date": nil}
	current := EntityState{"assigned_to": "tech-7", "due_date": ""}

	changes := DiffStates(fields, previous, current)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %+v", changes)
	}
	if changes[0] != (FieldChange{Field: "assigned_to", Old: "", New: "tech-7"}) {
		t.Fatalf("unexpected change: %+v", changes[0])
	}
}

func TestDiffStatesNilPreviousListsEveryValue(t *testing.T) {
	fields := FieldSet{"customer_name", "notes"}
	changes := DiffStates(fields, nil, EntityState{"customer_name": "Acme"})
	if len(changes) != 1 || changes[0].Field != "customer_name" || changes[0].Old != "" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestRenderValue(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  string
	}{
		{name: "nil", value: nil, want: ""},
		{name: "string", value: "abc", want: "abc"},
		{name: "integral float", value: float64(8), want: "8"},
		{name: "fraction", value: 0.25, want: "0.25"},
		{name: "json number", value: json.Number("1.50"), want: "1.5"},
		{name: "int64", value: int64(42), want: "42"},
		{name: "bool", value: true, want: "true"},
		{name: "nested", value: map[string]any{"a": float64(1)}, want: `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RenderValue(tc.value); got != tc.want {
				t.Fatalf("RenderValue(%v) = %q, want %q", tc.value, got, tc.want)
			}
		})
	}
}

func TestFormatChanges(t *testing.T) {
	changes := []FieldChange{
		{Field: "status", Old: "pending", New: "completed"},
		{Field: "hours", Old: "2", New: "3"},
	}
	got := FormatChanges(changes, "; ")
	want := "status: pending → completed; hours: 2 → 3"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if FormatChanges(nil, "; ") != "" {
		t.Fatalf("expected empty rendering for no changes")
	}
}
