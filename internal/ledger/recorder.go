package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/repository"
)

const tracerName = "github.com/rpattn/jobledger/internal/ledger"

// RecordResult is the outcome of recording one entity write.
type RecordResult struct {
	Entry domain.LogEntry
	NoOp  bool
}

// Recorder turns committed entity writes into log entries. It implements
// repository.WriteObserver.
type Recorder struct {
	fields  domain.FieldSet
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

var _ repository.WriteObserver = (*Recorder)(nil)

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source used for ChangedAt.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRecorderLogger sets the logger used to report divergences.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorderMetrics attaches prometheus metrics.
func WithRecorderMetrics(metrics *Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = metrics
	}
}

// NewRecorder creates a recorder diffing the given allow-list.
func NewRecorder(fields domain.FieldSet, opts ...RecorderOption) *Recorder {
	recorder := &Recorder{
		fields: append(domain.FieldSet(nil), fields...),
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(recorder)
	}
	return recorder
}

// Record appends one entry for write to store, or reports a no-op when an update
// changed none of the tracked fields. A create is recorded without changed fields.
func (r *Recorder) Record(ctx context.Context, store repository.LedgerRepository, write domain.EntityWrite) (RecordResult, error) {
	ctx, span := r.tracer.Start(ctx, "ledger.Record", trace.WithAttributes(
		attribute.String("entity_id", write.EntityID.String()),
		attribute.Int64("sequence", write.Sequence),
	))
	defer span.End()

	if write.EntityID == uuid.Nil {
		return RecordResult{}, errors.New("entity id is required")
	}
	if write.Current == nil {
		return RecordResult{}, errors.New("current entity state is required")
	}

	entry := domain.LogEntry{
		ID:        uuid.New(),
		EntityID:  write.EntityID,
		Sequence:  write.Sequence,
		ChangedBy: write.Actor,
		Snapshot:  domain.CaptureSnapshot(write.Current),
	}

	if write.Previous == nil {
		entry.Action = domain.LogActionCreated
	} else {
		changes := domain.DiffStates(r.fields, write.Previous, write.Current)
		if len(changes) == 0 {
			r.metrics.noOp()
			span.SetAttributes(attribute.Bool("noop", true))
			return RecordResult{NoOp: true}, nil
		}
		entry.Action = domain.LogActionUpdated
		entry.ChangedFields = changes
	}

	if origin, ok := RevertOriginFromContext(ctx); ok {
		entry.RevertedFrom = &origin
	}

	entry.ChangedAt = r.now().UTC()
	appended, err := store.Append(ctx, entry)
	if err != nil {
		span.RecordError(err)
		return RecordResult{}, &domain.LedgerAppendError{EntityID: write.EntityID, Sequence: write.Sequence, Err: err}
	}

	r.metrics.recorded(string(appended.Action))
	return RecordResult{Entry: appended}, nil
}

// OnEntityWrite records write and reports a failed append as a divergence. The
// returned error is advisory: the entity write has already committed.
func (r *Recorder) OnEntityWrite(ctx context.Context, ledger repository.LedgerRepository, write domain.EntityWrite) error {
	_, err := r.Record(ctx, ledger, write)
	if err == nil {
		return nil
	}

	var appendErr *domain.LedgerAppendError
	if !errors.As(err, &appendErr) {
		appendErr = &domain.LedgerAppendError{EntityID: write.EntityID, Sequence: write.Sequence, Err: err}
	}
	r.metrics.diverged()
	r.logger.Error("job order history diverged: write committed without a log entry",
		"entity_id", write.EntityID,
		"sequence", write.Sequence,
		"actor", write.Actor,
		"error", appendErr.Err,
	)
	return fmt.Errorf("record job order write: %w", appendErr)
}
