package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/jobledger/internal/domain"
)

// InMemoryLedger is a process-local LedgerRepository used by tests and the
// memory store backend.
type InMemoryLedger struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]domain.LogEntry
	byEntity map[uuid.UUID][]uuid.UUID
	now      func() time.Time
}

// NewInMemoryLedger creates an empty ledger. now defaults to time.Now.
func NewInMemoryLedger(now func() time.Time) *InMemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &InMemoryLedger{
		entries:  make(map[uuid.UUID]domain.LogEntry),
		byEntity: make(map[uuid.UUID][]uuid.UUID),
		now:      now,
	}
}

// Append stores a copy of entry. Entries of one entity must arrive in sequence
// order; ChangedAt never moves backwards within an entity.
func (l *InMemoryLedger) Append(_ context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if _, exists := l.entries[entry.ID]; exists {
		return domain.LogEntry{}, fmt.Errorf("log entry %s already exists", entry.ID)
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = l.now().UTC()
	}

	ids := l.byEntity[entry.EntityID]
	if len(ids) > 0 {
		last := l.entries[ids[len(ids)-1]]
		if entry.Sequence <= last.Sequence {
			return domain.LogEntry{}, fmt.Errorf("log entry sequence %d for %s is not after %d", entry.Sequence, entry.EntityID, last.Sequence)
		}
		if entry.ChangedAt.Before(last.ChangedAt) {
			entry.ChangedAt = last.ChangedAt
		}
	}

	stored := copyLogEntry(entry)
	l.entries[stored.ID] = stored
	l.byEntity[stored.EntityID] = append(ids, stored.ID)
	return copyLogEntry(stored), nil
}

func (l *InMemoryLedger) GetByID(_ context.Context, id uuid.UUID) (domain.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[id]
	if !ok {
		return domain.LogEntry{}, fmt.Errorf("failed to get log entry %s: %w", id, domain.ErrLogEntryNotFound)
	}
	return copyLogEntry(entry), nil
}

func (l *InMemoryLedger) ListByEntity(_ context.Context, entityID uuid.UUID, filter domain.HistoryFilter) ([]domain.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := []domain.LogEntry{}
	for _, id := range l.byEntity[entityID] {
		entry := l.entries[id]
		if filter.Matches(entry) {
			entries = append(entries, copyLogEntry(entry))
		}
	}
	return entries, nil
}

func (l *InMemoryLedger) DistinctActors(_ context.Context, entityID uuid.UUID) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]struct{}{}
	actors := []string{}
	for _, id := range l.byEntity[entityID] {
		actor := l.entries[id].ChangedBy
		if _, ok := seen[actor]; ok {
			continue
		}
		seen[actor] = struct{}{}
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors, nil
}

// Len returns the number of entries recorded for entityID.
func (l *InMemoryLedger) Len(entityID uuid.UUID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byEntity[entityID])
}

func copyLogEntry(entry domain.LogEntry) domain.LogEntry {
	out := entry
	if entry.ChangedFields != nil {
		out.ChangedFields = append([]domain.FieldChange(nil), entry.ChangedFields...)
	}
	if entry.Snapshot != nil {
		out.Snapshot = domain.CaptureSnapshot(entry.Snapshot.State())
	}
	if entry.RevertedFrom != nil {
		id := *entry.RevertedFrom
		out.RevertedFrom = &id
	}
	return out
}

// InMemoryJobOrders is a process-local JobOrderRepository. Writes to one job
// order are serialized by a per-order lock that is held while the observer runs.
type InMemoryJobOrders struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]domain.JobOrder
	locks    map[uuid.UUID]*sync.Mutex
	ledger   LedgerRepository
	observer WriteObserver
	now      func() time.Time
}

// NewInMemoryJobOrders creates an empty store that reports writes to observer
// using ledger as the observer's store.
func NewInMemoryJobOrders(ledger LedgerRepository, observer WriteObserver, now func() time.Time) *InMemoryJobOrders {
	if now == nil {
		now = time.Now
	}
	return &InMemoryJobOrders{
		orders:   make(map[uuid.UUID]domain.JobOrder),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		ledger:   ledger,
		observer: observer,
		now:      now,
	}
}

func (s *InMemoryJobOrders) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *InMemoryJobOrders) Create(ctx context.Context, actor string, order domain.JobOrder) (domain.JobOrder, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if strings.TrimSpace(order.JobOrderNumber) == "" {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: errors.New("job order number is required")}
	}

	lock := s.lockFor(order.ID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UTC()
	order.Version = 1
	order.CreatedBy = actor
	order.CreatedAt = now
	order.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.orders[order.ID]; exists {
		s.mu.Unlock()
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: errors.New("job order already exists")}
	}
	for _, existing := range s.orders {
		if existing.JobOrderNumber == order.JobOrderNumber {
			s.mu.Unlock()
			return domain.JobOrder{}, &domain.EntityWriteError{EntityID: order.ID, Err: fmt.Errorf("job order number %s already exists", order.JobOrderNumber)}
		}
	}
	s.orders[order.ID] = order
	s.mu.Unlock()

	return order, s.notify(ctx, domain.EntityWrite{
		EntityID: order.ID,
		Actor:    actor,
		Current:  order.State(),
		Sequence: order.Version,
	})
}

func (s *InMemoryJobOrders) GetByID(_ context.Context, id uuid.UUID) (domain.JobOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return domain.JobOrder{}, fmt.Errorf("failed to get job order %s: %w", id, domain.ErrJobOrderNotFound)
	}
	return order, nil
}

func (s *InMemoryJobOrders) List(_ context.Context, limit int, offset int) ([]domain.JobOrder, error) {
	s.mu.Lock()
	orders := make([]domain.JobOrder, 0, len(s.orders))
	for _, order := range s.orders {
		orders = append(orders, order)
	}
	s.mu.Unlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].JobOrderNumber > orders[j].JobOrderNumber
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(orders) {
		return []domain.JobOrder{}, nil
	}
	end := offset + limit
	if end > len(orders) {
		end = len(orders)
	}
	return orders[offset:end], nil
}

func (s *InMemoryJobOrders) Update(ctx context.Context, id uuid.UUID, actor string, changes domain.EntityState, expectedVersion *int64) (domain.JobOrder, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	previous, ok := s.orders[id]
	s.mu.Unlock()
	if !ok {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: domain.ErrJobOrderNotFound}
	}
	if expectedVersion != nil && *expectedVersion != previous.Version {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: domain.ErrVersionConflict}
	}

	next, err := previous.WithState(changes)
	if err != nil {
		return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: err}
	}
	next.Version = previous.Version + 1
	next.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	s.orders[id] = next
	s.mu.Unlock()

	return next, s.notify(ctx, domain.EntityWrite{
		EntityID: id,
		Actor:    actor,
		Previous: previous.State(),
		Current:  next.State(),
		Sequence: next.Version,
	})
}

func (s *InMemoryJobOrders) notify(ctx context.Context, write domain.EntityWrite) error {
	if s.observer == nil {
		return nil
	}
	return s.observer.OnEntityWrite(ctx, s.ledger, write)
}

// InMemoryProfiles is a process-local ProfileRepository.
type InMemoryProfiles struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
	lookups  int
}

func NewInMemoryProfiles(profiles ...domain.Profile) *InMemoryProfiles {
	store := &InMemoryProfiles{profiles: make(map[string]domain.Profile, len(profiles))}
	for _, profile := range profiles {
		store.profiles[profile.ID] = profile
	}
	return store
}

func (s *InMemoryProfiles) GetByIDs(_ context.Context, ids []string) ([]domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++

	profiles := make([]domain.Profile, 0, len(ids))
	for _, id := range ids {
		if profile, ok := s.profiles[id]; ok {
			profiles = append(profiles, profile)
		}
	}
	return profiles, nil
}

func (s *InMemoryProfiles) Upsert(_ context.Context, profile domain.Profile) (domain.Profile, error) {
	if strings.TrimSpace(profile.ID) == "" {
		return domain.Profile{}, fmt.Errorf("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.profiles[profile.ID]; ok {
		profile.CreatedAt = existing.CreatedAt
	} else if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	s.profiles[profile.ID] = profile
	return profile, nil
}

// Lookups returns how many batch lookups have been served.
func (s *InMemoryProfiles) Lookups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookups
}
