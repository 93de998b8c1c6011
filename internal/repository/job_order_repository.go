package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/jobledger/internal/domain"
)

const jobOrderColumns = `id, job_order_number, customer_name, description, location, status, priority,
	assigned_to, hours, materials_cost, labor_cost, due_date, notes, version, created_at, created_by, updated_at`

// jobOrderRepository implements JobOrderRepository on Postgres. Every write runs in
// one transaction holding the row lock; the observer runs inside a savepoint of
// that transaction so a failed ledger append never rolls back the entity write.
type jobOrderRepository struct {
	pool     *pgxpool.Pool
	observer WriteObserver
	logger   *slog.Logger
}

// NewJobOrderRepository creates a new job order repository
func NewJobOrderRepository(pool *pgxpool.Pool, observer WriteObserver, logger *slog.Logger) JobOrderRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobOrderRepository{pool: pool, observer: observer, logger: logger}
}

// Create inserts a job order at version 1
func (r *jobOrderRepository) Create(ctx context.Context, actor string, order domain.JobOrder) (domain.JobOrder, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if strings.TrimSpace(order.JobOrderNumber) == "" {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: errors.New("job order number is required")}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: fmt.Errorf("failed to open transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(
		ctx,
		`INSERT INTO job_orders (id, job_order_number, customer_name, description, location, status, priority,
			assigned_to, hours, materials_cost, labor_cost, due_date, notes, version, created_at, created_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, now(), $14, now())
		 RETURNING `+jobOrderColumns,
		order.ID,
		order.JobOrderNumber,
		order.CustomerName,
		order.Description,
		order.Location,
		order.Status,
		order.Priority,
		order.AssignedTo,
		order.Hours,
		order.MaterialsCost,
		order.LaborCost,
		dateParam(order),
		order.Notes,
		actor,
	)
	created, err := scanJobOrder(row)
	if err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: fmt.Errorf("failed to create job order: %w", err)}
	}

	observerErr := r.notify(ctx, tx, domain.EntityWrite{
		EntityID: created.ID,
		Actor:    actor,
		Current:  created.State(),
		Sequence: created.Version,
	})

	if err := tx.Commit(ctx); err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: fmt.Errorf("failed to commit job order: %w", err)}
	}
	return created, observerErr
}

// GetByID retrieves a job order by ID
func (r *jobOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.JobOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobOrderColumns+` FROM job_orders WHERE id = $1`, id)
	order, err := scanJobOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobOrder{}, fmt.Errorf("failed to get job order %s: %w", id, domain.ErrJobOrderNotFound)
		}
		return domain.JobOrder{}, fmt.Errorf("failed to get job order: %w", err)
	}
	return order, nil
}

// List retrieves job orders, newest first
func (r *jobOrderRepository) List(ctx context.Context, limit int, offset int) ([]domain.JobOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+jobOrderColumns+` FROM job_orders ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job orders: %w", err)
	}
	defer rows.Close()

	orders := []domain.JobOrder{}
	for rows.Next() {
		order, scanErr := scanJobOrder(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan job order: %w", scanErr)
		}
		orders = append(orders, order)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate job orders: %w", rowsErr)
	}
	return orders, nil
}

// Update applies changes under a row lock and bumps the version
func (r *jobOrderRepository) Update(ctx context.Context, id uuid.UUID, actor string, changes domain.EntityState, expectedVersion *int64) (domain.JobOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: fmt.Errorf("failed to open transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	previous, err := scanJobOrder(tx.QueryRow(ctx, `SELECT `+jobOrderColumns+` FROM job_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: domain.ErrJobOrderNotFound}
		}
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: fmt.Errorf("failed to lock job order: %w", err)}
	}
	if expectedVersion != nil && *expectedVersion != previous.Version {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: domain.ErrVersionConflict}
	}

	next, err := previous.WithState(changes)
	if err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: err}
	}

	updated, err := scanJobOrder(tx.QueryRow(
		ctx,
		`UPDATE job_orders
		 SET customer_name = $2, description = $3, location = $4, status = $5, priority = $6,
		     assigned_to = $7, hours = $8, materials_cost = $9, labor_cost = $10, due_date = $11,
		     notes = $12, version = version + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobOrderColumns,
		id,
		next.CustomerName,
		next.Description,
		next.Location,
		next.Status,
		next.Priority,
		next.AssignedTo,
		next.Hours,
		next.MaterialsCost,
		next.LaborCost,
		dateParam(next),
		next.Notes,
	))
	if err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: fmt.Errorf("failed to update job order: %w", err)}
	}

	observerErr := r.notify(ctx, tx, domain.EntityWrite{
		EntityID: id,
		Actor:    actor,
		Previous: previous.State(),
		Current:  updated.State(),
		Sequence: updated.Version,
	})

	if err := tx.Commit(ctx); err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: fmt.Errorf("failed to commit job order: %w", err)}
	}
	return updated, observerErr
}

// notify runs the observer in a savepoint so its failure leaves the entity write intact.
func (r *jobOrderRepository) notify(ctx context.Context, tx pgx.Tx, write domain.EntityWrite) error {
	if r.observer == nil {
		return nil
	}

	savepoint, err := tx.Begin(ctx)
	if err != nil {
		return &domain.LedgerAppendError{EntityID: write.EntityID, Sequence: write.Sequence, Err: fmt.Errorf("failed to open savepoint: %w", err)}
	}

	observerErr := r.observer.OnEntityWrite(ctx, newLedgerRepository(savepoint), write)
	if observerErr != nil {
		if rbErr := savepoint.Rollback(ctx); rbErr != nil {
			r.logger.Error("failed to roll back ledger savepoint", "entity_id", write.EntityID, "error", rbErr)
		}
		return observerErr
	}

	if err := savepoint.Commit(ctx); err != nil {
		return &domain.LedgerAppendError{EntityID: write.EntityID, Sequence: write.Sequence, Err: fmt.Errorf("failed to release savepoint: %w", err)}
	}
	return nil
}

func dateParam(order domain.JobOrder) pgtype.Date {
	if order.DueDate == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: order.DueDate.UTC(), Valid: true}
}

func scanJobOrder(row pgx.Row) (domain.JobOrder, error) {
	var (
		order   domain.JobOrder
		dueDate pgtype.Date
	)
	if err := row.Scan(
		&order.ID,
		&order.JobOrderNumber,
		&order.CustomerName,
		&order.Description,
		&order.Location,
		&order.Status,
		&order.Priority,
		&order.AssignedTo,
		&order.Hours,
		&order.MaterialsCost,
		&order.LaborCost,
		&dueDate,
		&order.Notes,
		&order.Version,
		&order.CreatedAt,
		&order.CreatedBy,
		&order.UpdatedAt,
	); err != nil {
		return domain.JobOrder{}, err
	}
	if dueDate.Valid {
		date := dueDate.Time.UTC()
		order.DueDate = &date
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}
