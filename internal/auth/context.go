package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

// Headers set by the upstream authentication proxy.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

var (
	ErrNoActor   = errors.New("request has no authenticated actor")
	ErrForbidden = errors.New("actor is not allowed to perform this action")
)

// Actor is an identity resolved upstream. The ledger stores only ID.
type Actor struct {
	ID   string
	Role string
}

// ContextWithActor returns a new context that carries the authenticated actor.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the authenticated actor from the context, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey).(Actor)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		return Actor{}, false
	}
	return actor, true
}

// RequireRole ensures the actor in ctx holds one of the allowed roles.
func RequireRole(ctx context.Context, allowed []string) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, ErrNoActor
	}
	if len(allowed) == 0 {
		return actor, nil
	}
	for _, role := range allowed {
		if strings.EqualFold(strings.TrimSpace(role), actor.Role) {
			return actor, nil
		}
	}
	return Actor{}, fmt.Errorf("%w: role %q", ErrForbidden, actor.Role)
}

// Middleware places the proxy-supplied actor into the request context. Requests
// without an actor id pass through anonymously.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := Actor{ID: id, Role: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole)))}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}
