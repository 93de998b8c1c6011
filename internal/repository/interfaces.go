package repository

import (
	"context"

	"github.com/rpattn/jobledger/internal/domain"

	"github.com/google/uuid"
)

// LedgerRepository is the append-only store of job order log entries.
type LedgerRepository interface {
	// Append persists a new entry. The store may assign ID and ChangedAt; the
	// persisted entry is returned.
	Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.LogEntry, error)
	// ListByEntity returns matching entries in chronological order.
	ListByEntity(ctx context.Context, entityID uuid.UUID, filter domain.HistoryFilter) ([]domain.LogEntry, error)
	DistinctActors(ctx context.Context, entityID uuid.UUID) ([]string, error)
}

// WriteObserver is called by a job order store after each write, while the store
// still holds the entity's write lock, so observers see writes in commit order.
// The ledger passed in is bound to the same unit of work as the entity write.
// An error never undoes the entity write.
type WriteObserver interface {
	OnEntityWrite(ctx context.Context, ledger LedgerRepository, write domain.EntityWrite) error
}

// WriteObserverFunc adapts a function to WriteObserver.
type WriteObserverFunc func(ctx context.Context, ledger LedgerRepository, write domain.EntityWrite) error

func (f WriteObserverFunc) OnEntityWrite(ctx context.Context, ledger LedgerRepository, write domain.EntityWrite) error {
	return f(ctx, ledger, write)
}

// JobOrderRepository is the entity store for job orders.
//
// Create and Update return a *domain.EntityWriteError when the write is rejected.
// When the write commits but the observer fails, the written job order is
// returned together with the observer's error (normally a *domain.LedgerAppendError).
type JobOrderRepository interface {
	Create(ctx context.Context, actor string, order domain.JobOrder) (domain.JobOrder, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.JobOrder, error)
	List(ctx context.Context, limit int, offset int) ([]domain.JobOrder, error)
	// Update applies changes to the job order. When expectedVersion is set and
	// does not match the stored version, domain.ErrVersionConflict is returned.
	Update(ctx context.Context, id uuid.UUID, actor string, changes domain.EntityState, expectedVersion *int64) (domain.JobOrder, error)
}

// ProfileRepository resolves actor ids to profiles.
type ProfileRepository interface {
	GetByIDs(ctx context.Context, ids []string) ([]domain.Profile, error)
	Upsert(ctx context.Context, profile domain.Profile) (domain.Profile, error)
}
