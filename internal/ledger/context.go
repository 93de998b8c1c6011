package ledger

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const revertOriginKey contextKey = "revertOrigin"

// ContextWithRevertOrigin marks writes made with the returned context as restoring
// the given log entry.
func ContextWithRevertOrigin(ctx context.Context, entryID uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, revertOriginKey, entryID)
}

// RevertOriginFromContext returns the log entry being restored, if any.
func RevertOriginFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(revertOriginKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
