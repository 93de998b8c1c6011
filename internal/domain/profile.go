package domain

import (
	"strings"
	"time"
)

// Profile is the identity collaborator's view of an actor. The ledger stores only
// the actor id and joins profiles at query time.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewProfile creates a new profile with immutable pattern
func NewProfile(id, displayName, role string) Profile {
	now := time.Now().UTC()
	return Profile{
		ID:          strings.TrimSpace(id),
		DisplayName: strings.TrimSpace(displayName),
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// WithDisplayName returns a new profile with updated display name
func (p Profile) WithDisplayName(name string) Profile {
	return Profile{
		ID:          p.ID,
		DisplayName: strings.TrimSpace(name),
		Role:        p.Role,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Label returns the display name, or the id when no name is set.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
