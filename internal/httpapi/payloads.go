package httpapi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rpattn/jobledger/internal/domain"
)

const (
	statusValues   = "pending in-progress on-hold completed cancelled"
	priorityValues = "low normal high urgent"
)

type createJobOrderPayload struct {
	JobOrderNumber string   `json:"job_order_number" validate:"required,max=64"`
	CustomerName   string   `json:"customer_name" validate:"max=256"`
	Description    string   `json:"description"`
	Location       string   `json:"location" validate:"max=256"`
	Status         string   `json:"status" validate:"omitempty,oneof=pending in-progress on-hold completed cancelled"`
	Priority       string   `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	AssignedTo     string   `json:"assigned_to"`
	Hours          *float64 `json:"hours" validate:"omitempty,gte=0"`
	MaterialsCost  *float64 `json:"materials_cost" validate:"omitempty,gte=0"`
	LaborCost      *float64 `json:"labor_cost" validate:"omitempty,gte=0"`
	DueDate        string   `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes          string   `json:"notes"`
}

func (p createJobOrderPayload) state() domain.EntityState {
	state := domain.EntityState{
		domain.FieldCustomerName: p.CustomerName,
		domain.FieldDescription:  p.Description,
		domain.FieldLocation:     p.Location,
		domain.FieldPriority:     p.Priority,
		domain.FieldAssignedTo:   p.AssignedTo,
		domain.FieldNotes:        p.Notes,
	}
	if p.Status != "" {
		state[domain.FieldStatus] = p.Status
	}
	if p.Hours != nil {
		state[domain.FieldHours] = *p.Hours
	}
	if p.MaterialsCost != nil {
		state[domain.FieldMaterialsCost] = *p.MaterialsCost
	}
	if p.LaborCost != nil {
		state[domain.FieldLaborCost] = *p.LaborCost
	}
	if p.DueDate != "" {
		state[domain.FieldDueDate] = p.DueDate
	}
	return state
}

type updateJobOrderPayload struct {
	ExpectedVersion *int64         `json:"expected_version" validate:"omitempty,gte=1"`
	Changes         map[string]any `json:"changes" validate:"required,min=1"`
}

type revertPayload struct {
	Confirm bool `json:"confirm" validate:"required"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validateChanges accepts only tracked fields and applies the same limits as create.
func (h *Handler) validateChanges(changes map[string]any) error {
	for field, value := range changes {
		if !domain.JobOrderTrackedFields.Contains(field) {
			return fmt.Errorf("field %q cannot be changed", field)
		}
		rendered := domain.RenderValue(value)
		switch field {
		case domain.FieldStatus:
			if err := h.validate.Var(rendered, "required,oneof="+statusValues); err != nil {
				return fmt.Errorf("status must be one of %s", strings.ReplaceAll(statusValues, " ", ", "))
			}
		case domain.FieldPriority:
			if err := h.validate.Var(rendered, "omitempty,oneof="+priorityValues); err != nil {
				return fmt.Errorf("priority must be one of %s", strings.ReplaceAll(priorityValues, " ", ", "))
			}
		case domain.FieldDueDate:
			if err := h.validate.Var(rendered, "omitempty,datetime=2006-01-02"); err != nil {
				return fmt.Errorf("due_date must be formatted as YYYY-MM-DD")
			}
		case domain.FieldCustomerName, domain.FieldLocation:
			if err := h.validate.Var(rendered, "max=256"); err != nil {
				return fmt.Errorf("%s must be at most 256 characters", field)
			}
		case domain.FieldHours, domain.FieldMaterialsCost, domain.FieldLaborCost:
			trimmed := strings.TrimSpace(rendered)
			if trimmed == "" {
				continue
			}
			number, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return fmt.Errorf("%s must be numeric", field)
			}
			if err := h.validate.Var(number, "gte=0"); err != nil {
				return fmt.Errorf("%s must not be negative", field)
			}
		}
	}
	return nil
}
