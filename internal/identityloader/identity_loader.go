package identityloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/repository"

	"github.com/graph-gophers/dataloader"
)

// IdentityLoader batches and caches actor profile lookups for one request.
type IdentityLoader struct {
	Loader *dataloader.Loader
}

func NewIdentityLoader(repo repository.ProfileRepository) *IdentityLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := keys.Keys()

		profiles, err := repo.GetByIDs(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: fmt.Errorf("failed to load profiles: %w", err)}
			}
			return results
		}

		profileMap := make(map[string]domain.Profile, len(profiles))
		for _, p := range profiles {
			profileMap[p.ID] = p
		}

		// Unknown actors resolve to a bare profile so callers can fall back to the id
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			profile, ok := profileMap[id]
			if !ok {
				profile = domain.Profile{ID: id}
			}
			results[i] = &dataloader.Result{Data: profile}
		}

		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond))

	return &IdentityLoader{Loader: loader}
}

// DisplayNames resolves every id to its display label, falling back to the id.
func (l *IdentityLoader) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	thunk := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(ids))
	values, errs := thunk()
	for i, id := range ids {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		profile, ok := values[i].(domain.Profile)
		if !ok {
			names[id] = id
			continue
		}
		names[id] = profile.Label()
	}
	return names, nil
}

type ctxKey string

const identityLoaderKey ctxKey = "identityLoader"

// WithLoader stores a request-scoped loader in ctx.
func WithLoader(ctx context.Context, loader *IdentityLoader) context.Context {
	return context.WithValue(ctx, identityLoaderKey, loader)
}

// FromContext retrieves the request-scoped loader, if any.
func FromContext(ctx context.Context) *IdentityLoader {
	if l, ok := ctx.Value(identityLoaderKey).(*IdentityLoader); ok {
		return l
	}
	return nil
}
