package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/export"
	"github.com/rpattn/jobledger/internal/identityloader"
	"github.com/rpattn/jobledger/internal/repository"
)

// Service exposes history queries, exports and reverts for job orders.
type Service struct {
	ledger    repository.LedgerRepository
	jobOrders repository.JobOrderRepository
	profiles  repository.ProfileRepository
	fields    domain.FieldSet

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

func NewService(
	ledger repository.LedgerRepository,
	jobOrders repository.JobOrderRepository,
	profiles repository.ProfileRepository,
	opts ...Option,
) *Service {
	service := &Service{
		ledger:    ledger,
		jobOrders: jobOrders,
		profiles:  profiles,
		fields:    domain.JobOrderTrackedFields,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// HistoryEntry is a log entry with its actor's display name resolved.
type HistoryEntry struct {
	domain.LogEntry
	ChangedByName string `json:"changed_by_name"`
}

// HistoryView is the result of a history query.
type HistoryView struct {
	EntityID uuid.UUID         `json:"entity_id"`
	Entries  []HistoryEntry    `json:"entries"`
	Actors   []domain.ActorRef `json:"actors"`
}

// History returns the job order's entries matching filter, oldest first, plus
// every actor that appears in the unfiltered history. Unknown job orders yield
// ErrJobOrderNotFound.
func (s *Service) History(ctx context.Context, entityID uuid.UUID, filter domain.HistoryFilter) (HistoryView, error) {
	if err := filter.Validate(); err != nil {
		return HistoryView{}, err
	}
	if _, err := s.jobOrders.GetByID(ctx, entityID); err != nil {
		return HistoryView{}, err
	}
	return s.history(ctx, entityID, filter)
}

func (s *Service) history(ctx context.Context, entityID uuid.UUID, filter domain.HistoryFilter) (HistoryView, error) {
	start := time.Now()
	defer s.metrics.observeHistory(start)

	ctx, span := s.tracer.Start(ctx, "ledger.History", trace.WithAttributes(attribute.String("entity_id", entityID.String())))
	defer span.End()

	var (
		entries []domain.LogEntry
		actors  []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		entries, err = s.ledger.ListByEntity(groupCtx, entityID, filter)
		return err
	})
	group.Go(func() error {
		var err error
		actors, err = s.ledger.DistinctActors(groupCtx, entityID)
		return err
	})
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		return HistoryView{}, fmt.Errorf("failed to load history: %w", err)
	}

	sortChronological(entries)

	names, err := s.displayNames(ctx, actors)
	if err != nil {
		return HistoryView{}, err
	}

	view := HistoryView{
		EntityID: entityID,
		Entries:  make([]HistoryEntry, len(entries)),
		Actors:   actorRefs(actors, names),
	}
	for i, entry := range entries {
		view.Entries[i] = HistoryEntry{LogEntry: entry, ChangedByName: labelFor(names, entry.ChangedBy)}
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return view, nil
}

// Actors returns the distinct actors of a job order's history, sorted by name.
func (s *Service) Actors(ctx context.Context, entityID uuid.UUID) ([]domain.ActorRef, error) {
	if _, err := s.jobOrders.GetByID(ctx, entityID); err != nil {
		return nil, err
	}
	actors, err := s.ledger.DistinctActors(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history actors: %w", err)
	}
	names, err := s.displayNames(ctx, actors)
	if err != nil {
		return nil, err
	}
	return actorRefs(actors, names), nil
}

// Entry returns a single log entry.
func (s *Service) Entry(ctx context.Context, entryID uuid.UUID) (domain.LogEntry, error) {
	return s.ledger.GetByID(ctx, entryID)
}

// PreviewRevert lists what restoring the entry would change on the current job order.
func (s *Service) PreviewRevert(ctx context.Context, entryID uuid.UUID) ([]domain.FieldChange, error) {
	entry, err := s.ledger.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !entry.HasSnapshot() {
		return nil, &domain.RevertError{Kind: domain.RevertNoSnapshot, EntryID: entryID}
	}
	current, err := s.jobOrders.GetByID(ctx, entry.EntityID)
	if err != nil {
		return nil, err
	}
	return domain.DiffStates(s.fields, current.State(), entry.Snapshot.State()), nil
}

// RevertTo restores the job order to the snapshot held by the log entry through
// the store's ordinary update path, so the restore is itself recorded (or
// suppressed when nothing differs). Callers must confirm with the user first.
func (s *Service) RevertTo(ctx context.Context, entryID uuid.UUID, actor string) (domain.JobOrder, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.RevertTo", trace.WithAttributes(
		attribute.String("entry_id", entryID.String()),
		attribute.String("actor", actor),
	))
	defer span.End()

	if strings.TrimSpace(actor) == "" {
		return domain.JobOrder{}, errors.New("actor is required")
	}

	entry, err := s.ledger.GetByID(ctx, entryID)
	if err != nil {
		s.metrics.revert("not_found")
		return domain.JobOrder{}, err
	}
	if !entry.HasSnapshot() {
		s.metrics.revert(string(domain.RevertNoSnapshot))
		return domain.JobOrder{}, &domain.RevertError{Kind: domain.RevertNoSnapshot, EntryID: entryID}
	}

	restore := domain.StripSnapshot(entry.Snapshot)
	order, err := s.jobOrders.Update(ContextWithRevertOrigin(ctx, entry.ID), entry.EntityID, actor, restore, nil)
	if err != nil {
		span.RecordError(err)
		var appendErr *domain.LedgerAppendError
		if errors.As(err, &appendErr) {
			s.metrics.revert(string(domain.RevertNotLogged))
			s.logger.Error("job order restored without a log entry",
				"entry_id", entryID, "entity_id", entry.EntityID, "actor", actor, "error", err)
			return order, &domain.RevertError{Kind: domain.RevertNotLogged, EntryID: entryID, Err: err}
		}
		s.metrics.revert(string(domain.RevertWriteFailed))
		s.logger.Warn("job order revert rejected",
			"entry_id", entryID, "entity_id", entry.EntityID, "actor", actor, "error", err)
		return domain.JobOrder{}, &domain.RevertError{Kind: domain.RevertWriteFailed, EntryID: entryID, Err: err}
	}

	s.metrics.revert("ok")
	s.logger.Info("job order reverted",
		"entry_id", entryID, "entity_id", entry.EntityID, "actor", actor, "version", order.Version)
	return order, nil
}

// ExportHistory writes the filtered history of a job order to w and returns the
// download file name.
func (s *Service) ExportHistory(ctx context.Context, entityID uuid.UUID, filter domain.HistoryFilter, format export.Format, w io.Writer) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.ExportHistory", trace.WithAttributes(
		attribute.String("entity_id", entityID.String()),
		attribute.String("format", string(format)),
	))
	defer span.End()

	if err := filter.Validate(); err != nil {
		return "", err
	}
	order, err := s.jobOrders.GetByID(ctx, entityID)
	if err != nil {
		return "", err
	}

	view, err := s.history(ctx, entityID, filter)
	if err != nil {
		return "", err
	}

	rows := make([]export.Row, len(view.Entries))
	for i, entry := range view.Entries {
		rows[i] = export.Row{
			ChangedAt: entry.ChangedAt,
			ChangedBy: entry.ChangedByName,
			Action:    entry.Action,
			Changes:   entry.ChangedFields,
		}
	}

	if err := export.Write(w, format, rows); err != nil {
		return "", fmt.Errorf("failed to export history: %w", err)
	}
	return export.FileName(order.JobOrderNumber, format), nil
}

func (s *Service) displayNames(ctx context.Context, ids []string) (map[string]string, error) {
	if s.profiles == nil {
		return map[string]string{}, nil
	}
	loader := identityloader.FromContext(ctx)
	if loader == nil {
		loader = identityloader.NewIdentityLoader(s.profiles)
	}
	names, err := loader.DisplayNames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor names: %w", err)
	}
	return names, nil
}

func sortChronological(entries []domain.LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ChangedAt.Equal(entries[j].ChangedAt) {
			return entries[i].Sequence < entries[j].Sequence
		}
		return entries[i].ChangedAt.Before(entries[j].ChangedAt)
	})
}

func actorRefs(ids []string, names map[string]string) []domain.ActorRef {
	refs := make([]domain.ActorRef, len(ids))
	for i, id := range ids {
		refs[i] = domain.ActorRef{ID: id, DisplayName: labelFor(names, id)}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].DisplayName == refs[j].DisplayName {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].DisplayName < refs[j].DisplayName
	})
	return refs
}

func labelFor(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}
