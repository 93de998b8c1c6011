package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Persisted job order column names. EntityState and Snapshot maps are keyed by these.
const (
	FieldID             = "id"
	FieldJobOrderNumber = "job_order_number"
	FieldCustomerName   = "customer_name"
	FieldDescription    = "description"
	FieldLocation       = "location"
	FieldStatus         = "status"
	FieldPriority       = "priority"
	FieldAssignedTo     = "assigned_to"
	FieldHours          = "hours"
	FieldMaterialsCost  = "materials_cost"
	FieldLaborCost      = "labor_cost"
	FieldDueDate        = "due_date"
	FieldNotes          = "notes"
	FieldVersion        = "version"
	FieldCreatedAt      = "created_at"
	FieldCreatedBy      = "created_by"
	FieldUpdatedAt      = "updated_at"
)

// DateLayout is the wire and snapshot format of date-only fields.
const DateLayout = "2006-01-02"

// JobOrderTrackedFields is the allow-list of job order fields that participate in
// history diffs, in the order changes are listed.
var JobOrderTrackedFields = FieldSet{
	FieldCustomerName,
	FieldDescription,
	FieldLocation,
	FieldStatus,
	FieldPriority,
	FieldAssignedTo,
	FieldHours,
	FieldMaterialsCost,
	FieldLaborCost,
	FieldDueDate,
	FieldNotes,
}

// JobOrder is the mutable business record audited by the ledger.
type JobOrder struct {
	ID             uuid.UUID  `json:"id"`
	JobOrderNumber string     `json:"job_order_number"`
	CustomerName   string     `json:"customer_name"`
	Description    string     `json:"description"`
	Location       string     `json:"location"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	AssignedTo     string     `json:"assigned_to"`
	Hours          float64    `json:"hours"`
	MaterialsCost  float64    `json:"materials_cost"`
	LaborCost      float64    `json:"labor_cost"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	Notes          string     `json:"notes"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewJobOrder creates a new job order with immutable pattern
func NewJobOrder(number string, createdBy string) JobOrder {
	now := time.Now().UTC()
	return JobOrder{
		ID:             uuid.New(),
		JobOrderNumber: strings.TrimSpace(number),
		Status:         "pending",
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// State renders every persisted field into an EntityState. Values are JSON-native
// (strings, float64, int64, nil) so a state survives a JSONB round trip unchanged.
func (j JobOrder) State() EntityState {
	var dueDate any
	if j.DueDate != nil {
		dueDate = j.DueDate.UTC().Format(DateLayout)
	}
	return EntityState{
		FieldID:             j.ID.String(),
		FieldJobOrderNumber: j.JobOrderNumber,
		FieldCustomerName:   j.CustomerName,
		FieldDescription:    j.Description,
		FieldLocation:       j.Location,
		FieldStatus:         j.Status,
		FieldPriority:       j.Priority,
		FieldAssignedTo:     j.AssignedTo,
		FieldHours:          j.Hours,
		FieldMaterialsCost:  j.MaterialsCost,
		FieldLaborCost:      j.LaborCost,
		FieldDueDate:        dueDate,
		FieldNotes:          j.Notes,
		FieldVersion:        j.Version,
		FieldCreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldCreatedBy:      j.CreatedBy,
		FieldUpdatedAt:      j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// WithState returns a copy of the job order with every writable field present in
// state applied. Fields absent from state keep their current value; identifier and
// bookkeeping columns are never taken from state.
func (j JobOrder) WithState(state EntityState) (JobOrder, error) {
	next := j
	for key, value := range state {
		var err error
		switch key {
		case FieldCustomerName:
			next.CustomerName, err = stringValue(value)
		case FieldDescription:
			next.Description, err = stringValue(value)
		case FieldLocation:
			next.Location, err = stringValue(value)
		case FieldStatus:
			next.Status, err = stringValue(value)
		case FieldPriority:
			next.Priority, err = stringValue(value)
		case FieldAssignedTo:
			next.AssignedTo, err = stringValue(value)
		case FieldNotes:
			next.Notes, err = stringValue(value)
		case FieldHours:
			next.Hours, err = floatValue(value)
		case FieldMaterialsCost:
			next.MaterialsCost, err = floatValue(value)
		case FieldLaborCost:
			next.LaborCost, err = floatValue(value)
		case FieldDueDate:
			next.DueDate, err = dateValue(value)
		case FieldID, FieldJobOrderNumber, FieldVersion, FieldCreatedAt, FieldCreatedBy, FieldUpdatedAt:
			return JobOrder{}, fmt.Errorf("field %q is not writable", key)
		default:
			return JobOrder{}, fmt.Errorf("unknown job order field %q", key)
		}
		if err != nil {
			return JobOrder{}, fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return next, nil
}

func stringValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64, float32, int, int32, int64:
		return RenderValue(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", value)
	}
}

func floatValue(value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, nil
		}
		return strconv.ParseFloat(trimmed, 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

func dateValue(value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		date := v.UTC().Truncate(24 * time.Hour)
		return &date, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		date := v.UTC().Truncate(24 * time.Hour)
		return &date, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		parsed, err := time.Parse(DateLayout, trimmed)
		if err != nil {
			if full, fullErr := time.Parse(time.RFC3339, trimmed); fullErr == nil {
				date := full.UTC().Truncate(24 * time.Hour)
				return &date, nil
			}
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, fmt.Errorf("expected date, got %T", value)
	}
}
