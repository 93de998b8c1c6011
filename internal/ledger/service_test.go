package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/export"
	"github.com/rpattn/jobledger/internal/repository"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// flakyLedger fails appends while failAppend is set.
type flakyLedger struct {
	repository.LedgerRepository
	mu         sync.Mutex
	failAppend bool
}

func (f *flakyLedger) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAppend = fail
}

func (f *flakyLedger) Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return domain.LogEntry{}, errors.New("ledger unavailable")
	}
	return f.LedgerRepository.Append(ctx, entry)
}

// rejectingJobOrders rejects every update.
type rejectingJobOrders struct {
	repository.JobOrderRepository
}

func (rejectingJobOrders) Update(_ context.Context, id uuid.UUID, _ string, _ domain.EntityState, _ *int64) (domain.JobOrder, error) {
	return domain.JobOrder{}, &domain.EntityWriteError{EntityID: id, Err: errors.New("row locked")}
}

type fixture struct {
	ledger    *flakyLedger
	store     *repository.InMemoryLedger
	jobOrders *repository.InMemoryJobOrders
	profiles  *repository.InMemoryProfiles
	service   *Service
	metrics   *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := newStepClock()
	metrics := NewMetrics(prometheus.NewRegistry())

	store := repository.NewInMemoryLedger(clock.Now)
	flaky := &flakyLedger{LedgerRepository: store}
	recorder := NewRecorder(domain.JobOrderTrackedFields,
		WithClock(clock.Now),
		WithRecorderLogger(logger),
		WithRecorderMetrics(metrics),
	)
	jobOrders := repository.NewInMemoryJobOrders(flaky, recorder, clock.Now)
	profiles := repository.NewInMemoryProfiles(
		domain.NewProfile("u1", "Una One", "manager"),
		domain.NewProfile("u2", "Ugo Two", "technician"),
	)

	return &fixture{
		ledger:    flaky,
		store:     store,
		jobOrders: jobOrders,
		profiles:  profiles,
		metrics:   metrics,
		service:   NewService(flaky, jobOrders, profiles, WithLogger(logger), WithMetrics(metrics)),
	}
}

func (f *fixture) create(t *testing.T, actor string, state domain.EntityState) domain.JobOrder {
	t.Helper()
	order, err := domain.NewJobOrder("JO-"+uuid.NewString()[:8], actor).WithState(state)
	require.NoError(t, err)
	created, err := f.jobOrders.Create(context.Background(), actor, order)
	require.NoError(t, err)
	return created
}

func (f *fixture) update(t *testing.T, id uuid.UUID, actor string, changes domain.EntityState) domain.JobOrder {
	t.Helper()
	updated, err := f.jobOrders.Update(context.Background(), id, actor, changes, nil)
	require.NoError(t, err)
	return updated
}

func (f *fixture) history(t *testing.T, id uuid.UUID, filter domain.HistoryFilter) []HistoryEntry {
	t.Helper()
	view, err := f.service.History(context.Background(), id, filter)
	require.NoError(t, err)
	return view.Entries
}

func TestRevertScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "u1", domain.EntityState{"status": "pending", "hours": float64(8)})
	f.update(t, order.ID, "u2", domain.EntityState{"status": "in-progress"})

	entries := f.history(t, order.ID, domain.HistoryFilter{})
	require.Len(t, entries, 2)

	created := entries[0]
	assert.Equal(t, domain.LogActionCreated, created.Action)
	assert.Empty(t, created.ChangedFields)
	assert.Equal(t, int64(1), created.Sequence)
	assert.Equal(t, "pending", created.Snapshot["status"])
	assert.Equal(t, float64(8), created.Snapshot["hours"])
	assert.Equal(t, "Una One", created.ChangedByName)

	updated := entries[1]
	assert.Equal(t, domain.LogActionUpdated, updated.Action)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: "pending", New: "in-progress"}}, updated.ChangedFields)
	assert.Equal(t, "in-progress", updated.Snapshot["status"])
	assert.Equal(t, "Ugo Two", updated.ChangedByName)

	reverted, err := f.service.RevertTo(ctx, created.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pending", reverted.Status)
	assert.Equal(t, float64(8), reverted.Hours)

	entries = f.history(t, order.ID, domain.HistoryFilter{})
	require.Len(t, entries, 3)
	revert := entries[2]
	assert.Equal(t, domain.LogActionUpdated, revert.Action)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: "in-progress", New: "pending"}}, revert.ChangedFields)
	assert.Equal(t, "u1", revert.ChangedBy)
	require.NotNil(t, revert.RevertedFrom)
	assert.Equal(t, created.ID, *revert.RevertedFrom)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reverts.WithLabelValues("ok")))
}

func TestNoOpUpdateIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "u1", domain.EntityState{"status": "pending", "notes": "first"})

	f.update(t, order.ID, "u2", domain.EntityState{"status": "pending", "notes": "first"})
	f.update(t, order.ID, "u2", domain.EntityState{"hours": "0"})

	assert.Equal(t, 1, f.store.Len(order.ID))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.NoOpsSuppressed))
}

func TestRecordReportsNoOp(t *testing.T) {
	recorder := NewRecorder(domain.JobOrderTrackedFields)
	store := repository.NewInMemoryLedger(nil)
	state := domain.EntityState{"status": "pending", "version": int64(1)}
	next := domain.EntityState{"status": "pending", "version": int64(2)}

	result, err := recorder.Record(context.Background(), store, domain.EntityWrite{
		EntityID: uuid.New(), Actor: "u1", Previous: state, Current: next, Sequence: 2,
	})
	require.NoError(t, err)
	assert.True(t, result.NoOp)
	assert.Equal(t, uuid.Nil, result.Entry.ID)
}

func TestRepeatedRevertIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "u1", domain.EntityState{"status": "pending"})
	f.update(t, order.ID, "u2", domain.EntityState{"status": "completed", "labor_cost": float64(120)})
	target := f.history(t, order.ID, domain.HistoryFilter{})[0]

	_, err := f.service.RevertTo(ctx, target.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, f.store.Len(order.ID))

	_, err = f.service.RevertTo(ctx, target.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, f.store.Len(order.ID))
}

func TestSnapshotRoundTripThroughStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "u1", domain.EntityState{
		"customer_name":  "Acme",
		"location":       "Bay 4",
		"priority":       "high",
		"hours":          float64(3.25),
		"materials_cost": float64(99.9),
		"due_date":       "2024-07-01",
	})
	target := f.history(t, order.ID, domain.HistoryFilter{})[0]

	f.update(t, order.ID, "u2", domain.EntityState{
		"customer_name": "Other",
		"hours":         float64(10),
		"due_date":      nil,
		"notes":         "rescheduled",
	})

	_, err := f.service.RevertTo(ctx, target.ID, "u2")
	require.NoError(t, err)

	current, err := f.jobOrders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, domain.DiffStates(domain.JobOrderTrackedFields, target.Snapshot.State(), current.State()))
	assert.Equal(t, order.JobOrderNumber, current.JobOrderNumber)
	assert.Equal(t, order.CreatedBy, current.CreatedBy)
	assert.Equal(t, order.CreatedAt, current.CreatedAt)
}

func TestHistoryIsChronologicalUnderConcurrentWriters(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := "u1"
			if i%2 == 1 {
				actor = "u2"
			}
			_, err := f.jobOrders.Update(context.Background(), order.ID, actor, domain.EntityState{"notes": fmt.Sprintf("note %d", i)}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries := f.history(t, order.ID, domain.HistoryFilter{})
	require.Len(t, entries, writers+1)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].ChangedAt.Before(entries[i-1].ChangedAt), "entry %d goes back in time", i)
		assert.Equal(t, entries[i-1].Sequence+1, entries[i].Sequence)
		// each diff is computed against the state the previous entry recorded
		require.Len(t, entries[i].ChangedFields, 1)
		assert.Equal(t, domain.RenderValue(entries[i-1].Snapshot["notes"]), entries[i].ChangedFields[0].Old)
	}
}

func TestHistoryFilterReturnsExactSubsequence(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})
	for i := 0; i < 6; i++ {
		actor := "u1"
		if i%3 == 0 {
			actor = "u2"
		}
		f.update(t, order.ID, actor, domain.EntityState{"hours": float64(i + 1)})
	}
	full := f.history(t, order.ID, domain.HistoryFilter{})
	require.Len(t, full, 7)

	t.Run("by actor", func(t *testing.T) {
		var want []uuid.UUID
		for _, entry := range full {
			if entry.ChangedBy == "u2" {
				want = append(want, entry.ID)
			}
		}
		got := f.history(t, order.ID, domain.HistoryFilter{Actor: "u2"})
		assert.Equal(t, want, entryIDs(got))
	})

	t.Run("by date range", func(t *testing.T) {
		from := full[2].ChangedAt
		to := full[4].ChangedAt
		got := f.history(t, order.ID, domain.HistoryFilter{From: &from, To: &to})
		assert.Equal(t, entryIDs(full[2:5]), entryIDs(got))
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		from := full[4].ChangedAt
		to := full[2].ChangedAt
		_, err := f.service.History(context.Background(), order.ID, domain.HistoryFilter{From: &from, To: &to})
		assert.Error(t, err)
	})
}

func entryIDs(entries []HistoryEntry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}

func TestActorsResolveDisplayNames(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "u2", domain.EntityState{"status": "pending"})
	f.update(t, order.ID, "u1", domain.EntityState{"status": "on-hold"})
	f.update(t, order.ID, "ghost", domain.EntityState{"status": "completed"})

	actors, err := f.service.Actors(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.ActorRef{
		{ID: "u2", DisplayName: "Ugo Two"},
		{ID: "u1", DisplayName: "Una One"},
		{ID: "ghost", DisplayName: "ghost"},
	}, actors)
}

func TestDivergenceIsReportedButWriteCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})

	f.ledger.setFailing(true)
	updated, err := f.jobOrders.Update(ctx, order.ID, "u2", domain.EntityState{"status": "completed"}, nil)
	f.ledger.setFailing(false)

	var appendErr *domain.LedgerAppendError
	require.ErrorAs(t, err, &appendErr)
	assert.Equal(t, int64(2), appendErr.Sequence)
	assert.Equal(t, "completed", updated.Status)

	current, err := f.jobOrders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", current.Status)
	assert.Equal(t, 1, f.store.Len(order.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Divergences))

	// the next write diffs against committed state, not the missing entry
	f.update(t, order.ID, "u1", domain.EntityState{"status": "cancelled"})
	entries := f.history(t, order.ID, domain.HistoryFilter{})
	require.Len(t, entries, 2)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: "completed", New: "cancelled"}}, entries[1].ChangedFields)
}

func TestRevertNotLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})
	f.update(t, order.ID, "u2", domain.EntityState{"status": "completed"})
	target := f.history(t, order.ID, domain.HistoryFilter{})[0]

	f.ledger.setFailing(true)
	restored, err := f.service.RevertTo(ctx, target.ID, "u1")
	f.ledger.setFailing(false)

	var revertErr *domain.RevertError
	require.ErrorAs(t, err, &revertErr)
	assert.Equal(t, domain.RevertNotLogged, revertErr.Kind)
	assert.True(t, revertErr.EntityChanged())
	assert.Equal(t, "pending", restored.Status)
	assert.Equal(t, 2, f.store.Len(order.ID))
}

func TestRevertWriteFailedLeavesEntityUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})
	f.update(t, order.ID, "u2", domain.EntityState{"status": "completed"})
	target := f.history(t, order.ID, domain.HistoryFilter{})[0]

	service := NewService(f.ledger, rejectingJobOrders{f.jobOrders}, f.profiles)
	_, err := service.RevertTo(ctx, target.ID, "u1")

	var revertErr *domain.RevertError
	require.ErrorAs(t, err, &revertErr)
	assert.Equal(t, domain.RevertWriteFailed, revertErr.Kind)
	assert.False(t, revertErr.EntityChanged())
	assert.Contains(t, revertErr.Error(), "nothing changed")

	current, err := f.jobOrders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", current.Status)
	assert.Equal(t, 2, f.store.Len(order.ID))
}

func TestRevertWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})

	bare, err := f.store.Append(ctx, domain.LogEntry{
		EntityID:      order.ID,
		Sequence:      5,
		ChangedBy:     "import",
		Action:        domain.LogActionUpdated,
		ChangedFields: []domain.FieldChange{{Field: "status", Old: "x", New: "pending"}},
	})
	require.NoError(t, err)

	_, err = f.service.RevertTo(ctx, bare.ID, "u1")
	var revertErr *domain.RevertError
	require.ErrorAs(t, err, &revertErr)
	assert.Equal(t, domain.RevertNoSnapshot, revertErr.Kind)

	_, err = f.service.PreviewRevert(ctx, bare.ID)
	require.ErrorAs(t, err, &revertErr)
}

func TestRevertUnknownEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.RevertTo(context.Background(), uuid.New(), "u1")
	assert.ErrorIs(t, err, domain.ErrLogEntryNotFound)

	_, err = f.service.RevertTo(context.Background(), uuid.New(), " ")
	assert.Error(t, err)
}

func TestPreviewRevertListsPendingChanges(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "u1", domain.EntityState{"status": "pending", "hours": float64(1)})
	f.update(t, order.ID, "u2", domain.EntityState{"status": "in-progress", "hours": float64(4)})
	target := f.history(t, order.ID, domain.HistoryFilter{})[0]

	changes, err := f.service.PreviewRevert(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.FieldChange{
		{Field: "status", Old: "in-progress", New: "pending"},
		{Field: "hours", Old: "4", New: "1"},
	}, changes)
}

func TestExportHistoryMatchesHistoryOrder(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "u1", domain.EntityState{"status": "pending"})
	f.update(t, order.ID, "u2", domain.EntityState{"status": "in-progress"})
	f.update(t, order.ID, "u1", domain.EntityState{"hours": float64(2)})

	var buf bytes.Buffer
	name, err := f.service.ExportHistory(context.Background(), order.ID, domain.HistoryFilter{}, export.FormatCSV, &buf)
	require.NoError(t, err)
	assert.Equal(t, export.FileName(order.JobOrderNumber, export.FormatCSV), name)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	entries := f.history(t, order.ID, domain.HistoryFilter{})
	for i, entry := range entries {
		assert.Equal(t, entry.ChangedByName, records[i+1][1])
		assert.Equal(t, string(entry.Action), records[i+1][2])
	}
	assert.Equal(t, "status: pending → in-progress", records[2][3])
}

func TestExportUnknownJobOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.ExportHistory(context.Background(), uuid.New(), domain.HistoryFilter{}, export.FormatCSV, io.Discard)
	assert.ErrorIs(t, err, domain.ErrJobOrderNotFound)
}

func TestHistoryUnknownJobOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.History(context.Background(), uuid.New(), domain.HistoryFilter{})
	assert.ErrorIs(t, err, domain.ErrJobOrderNotFound)

	_, err = f.service.Actors(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobOrderNotFound)
}
