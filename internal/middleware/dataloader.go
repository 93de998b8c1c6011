package middleware

import (
	"net/http"

	"github.com/rpattn/jobledger/internal/identityloader"
	"github.com/rpattn/jobledger/internal/repository"
)

// DataLoaderMiddleware attaches a request-scoped identity loader so actor names
// are fetched once per request.
func DataLoaderMiddleware(repo repository.ProfileRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := identityloader.NewIdentityLoader(repo)
			ctx := identityloader.WithLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
