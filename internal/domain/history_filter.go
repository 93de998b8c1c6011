package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HistoryFilter narrows a history listing. Empty fields do not filter; From and
// To are inclusive bounds on ChangedAt.
type HistoryFilter struct {
	Actor string
	From  *time.Time
	To    *time.Time
}

// Validate rejects inverted date ranges.
func (f HistoryFilter) Validate() error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return errors.New("history filter: from is after to")
	}
	return nil
}

// Matches reports whether entry passes every set criterion.
func (f HistoryFilter) Matches(entry LogEntry) bool {
	if actor := strings.TrimSpace(f.Actor); actor != "" && entry.ChangedBy != actor {
		return false
	}
	if f.From != nil && entry.ChangedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.ChangedAt.After(*f.To) {
		return false
	}
	return true
}

// ParseHistoryFilter builds a filter from user input. Bounds accept RFC3339 or a
// bare date; a bare upper date covers the whole day.
func ParseHistoryFilter(actor, from, to string) (HistoryFilter, error) {
	filter := HistoryFilter{Actor: strings.TrimSpace(actor)}

	if raw := strings.TrimSpace(from); raw != "" {
		bound, _, err := parseBound(raw)
		if err != nil {
			return HistoryFilter{}, fmt.Errorf("invalid from: %w", err)
		}
		filter.From = &bound
	}
	if raw := strings.TrimSpace(to); raw != "" {
		bound, dateOnly, err := parseBound(raw)
		if err != nil {
			return HistoryFilter{}, fmt.Errorf("invalid to: %w", err)
		}
		if dateOnly {
			bound = bound.Add(24*time.Hour - time.Nanosecond)
		}
		filter.To = &bound
	}
	if err := filter.Validate(); err != nil {
		return HistoryFilter{}, err
	}
	return filter, nil
}

func parseBound(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}
