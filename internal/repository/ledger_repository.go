package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/jobledger/internal/domain"
)

// dbtx is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const logEntryColumns = `id, entity_id, sequence, changed_at, changed_by, action, changed_fields, snapshot, reverted_from`

// ledgerRepository implements LedgerRepository on Postgres
type ledgerRepository struct {
	db dbtx
}

// NewLedgerRepository creates a ledger repository backed by pgxpool.
func NewLedgerRepository(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepository{db: pool}
}

func newLedgerRepository(db dbtx) *ledgerRepository {
	return &ledgerRepository{db: db}
}

// Append inserts an entry. changed_at is taken from the database clock so all
// writers share one time source.
func (r *ledgerRepository) Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	if r.db == nil {
		return domain.LogEntry{}, fmt.Errorf("ledger repository not initialized")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	snapshotJSON, err := entry.Snapshot.Encode()
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var changedFields []byte
	if entry.Action != domain.LogActionCreated && entry.ChangedFields != nil {
		changedFields, err = json.Marshal(entry.ChangedFields)
		if err != nil {
			return domain.LogEntry{}, fmt.Errorf("failed to marshal changed fields: %w", err)
		}
	}

	var revertedFrom any
	if entry.RevertedFrom != nil {
		revertedFrom = *entry.RevertedFrom
	}

	var changedAt pgtype.Timestamptz
	err = r.db.QueryRow(
		ctx,
		`INSERT INTO job_order_log_entries (id, entity_id, sequence, changed_at, changed_by, action, changed_fields, snapshot, reverted_from)
		 VALUES ($1, $2, $3, clock_timestamp(), $4, $5, $6, $7, $8)
		 RETURNING changed_at`,
		entry.ID,
		entry.EntityID,
		entry.Sequence,
		entry.ChangedBy,
		string(entry.Action),
		changedFields,
		[]byte(snapshotJSON),
		revertedFrom,
	).Scan(&changedAt)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("failed to append log entry: %w", err)
	}
	if changedAt.Valid {
		entry.ChangedAt = changedAt.Time.UTC()
	}

	return entry, nil
}

// GetByID retrieves a single log entry
func (r *ledgerRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.LogEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+logEntryColumns+` FROM job_order_log_entries WHERE id = $1`, id)
	entry, err := scanLogEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LogEntry{}, fmt.Errorf("failed to get log entry %s: %w", id, domain.ErrLogEntryNotFound)
		}
		return domain.LogEntry{}, fmt.Errorf("failed to get log entry: %w", err)
	}
	return entry, nil
}

// ListByEntity returns the entity's entries in sequence order, narrowed by filter.
func (r *ledgerRepository) ListByEntity(ctx context.Context, entityID uuid.UUID, filter domain.HistoryFilter) ([]domain.LogEntry, error) {
	clauses := []string{"entity_id = $1"}
	args := []any{entityID}

	if actor := strings.TrimSpace(filter.Actor); actor != "" {
		args = append(args, actor)
		clauses = append(clauses, fmt.Sprintf("changed_by = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		clauses = append(clauses, fmt.Sprintf("changed_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		clauses = append(clauses, fmt.Sprintf("changed_at <= $%d", len(args)))
	}

	query := `SELECT ` + logEntryColumns + ` FROM job_order_log_entries WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY sequence ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.LogEntry{}
	for rows.Next() {
		entry, scanErr := scanLogEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate log entries: %w", rowsErr)
	}

	return entries, nil
}

// DistinctActors lists every actor that appears in the entity's history.
func (r *ledgerRepository) DistinctActors(ctx context.Context, entityID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT DISTINCT changed_by FROM job_order_log_entries WHERE entity_id = $1 ORDER BY changed_by`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history actors: %w", err)
	}
	defer rows.Close()

	actors := []string{}
	for rows.Next() {
		var actor string
		if scanErr := rows.Scan(&actor); scanErr != nil {
			return nil, fmt.Errorf("failed to scan history actor: %w", scanErr)
		}
		actors = append(actors, actor)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate history actors: %w", rowsErr)
	}
	return actors, nil
}

func scanLogEntry(row pgx.Row) (domain.LogEntry, error) {
	var (
		entry         domain.LogEntry
		action        string
		changedAt     time.Time
		changedFields []byte
		snapshot      []byte
		revertedFrom  pgtype.UUID
	)
	if err := row.Scan(
		&entry.ID,
		&entry.EntityID,
		&entry.Sequence,
		&changedAt,
		&entry.ChangedBy,
		&action,
		&changedFields,
		&snapshot,
		&revertedFrom,
	); err != nil {
		return domain.LogEntry{}, err
	}

	entry.Action = domain.LogAction(action)
	entry.ChangedAt = changedAt.UTC()

	if len(changedFields) > 0 {
		if err := json.Unmarshal(changedFields, &entry.ChangedFields); err != nil {
			return domain.LogEntry{}, fmt.Errorf("failed to decode changed fields for log entry %s: %w", entry.ID, err)
		}
	}

	decoded, err := domain.DecodeSnapshot(snapshot)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("failed to decode snapshot for log entry %s: %w", entry.ID, err)
	}
	entry.Snapshot = decoded

	if revertedFrom.Valid {
		id := uuid.UUID(revertedFrom.Bytes)
		entry.RevertedFrom = &id
	}

	return entry, nil
}
