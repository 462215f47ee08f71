// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/hmpf/argus/internal/incident"
)

type actorKey struct{}

// TokenResolver maps an API token to the user behind it.
type TokenResolver interface {
	GetUserByToken(ctx context.Context, token string) (*incident.User, bool, error)
}

// WithActor returns a context carrying the authenticated user.
func WithActor(ctx context.Context, u incident.User) context.Context {
	return context.WithValue(ctx, actorKey{}, u)
}

// ActorFrom extracts the authenticated user from the context.
func ActorFrom(ctx context.Context) (incident.User, bool) {
	u, ok := ctx.Value(actorKey{}).(incident.User)
	return u, ok
}

// Authenticate returns middleware that resolves the Authorization bearer
// token to a user and stores it on the request context. Requests without
// a resolvable token get 401.
func Authenticate(resolver TokenResolver, logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			token := auth[len("Bearer "):]
			u, ok, err := resolver.GetUserByToken(r.Context(), token)
			if err != nil {
				logger.Error(r.Context(), err, "token lookup failed")
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), *u)))
		})
	}
}
