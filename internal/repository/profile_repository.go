package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/jobledger/internal/domain"
)

type profileRepository struct {
	pool *pgxpool.Pool
}

// NewProfileRepository wires a repository backed by pgxpool.
func NewProfileRepository(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepository{pool: pool}
}

func (r *profileRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Profile, error) {
	if len(ids) == 0 {
		return []domain.Profile{}, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, display_name, role, created_at, updated_at FROM profiles WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", err)
	}
	defer rows.Close()

	profiles := []domain.Profile{}
	for rows.Next() {
		var profile domain.Profile
		if scanErr := rows.Scan(&profile.ID, &profile.DisplayName, &profile.Role, &profile.CreatedAt, &profile.UpdatedAt); scanErr != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", scanErr)
		}
		profiles = append(profiles, profile)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", rowsErr)
	}
	return profiles, nil
}

func (r *profileRepository) Upsert(ctx context.Context, profile domain.Profile) (domain.Profile, error) {
	if strings.TrimSpace(profile.ID) == "" {
		return domain.Profile{}, fmt.Errorf("profile id is required")
	}

	var saved domain.Profile
	err := r.pool.QueryRow(
		ctx,
		`INSERT INTO profiles (id, display_name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role, updated_at = now()
		 RETURNING id, display_name, role, created_at, updated_at`,
		profile.ID,
		profile.DisplayName,
		profile.Role,
	).Scan(&saved.ID, &saved.DisplayName, &saved.Role, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("failed to upsert profile: %w", err)
	}
	return saved, nil
}
