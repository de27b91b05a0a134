package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/platform/httputil"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// TokenValidator validates a bearer token and returns the authenticated
// identity.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Identity, error)
}

// Identity is what a valid token asserts about the caller.
type Identity struct {
	TenantID string
	ActorID  string
	Role     string
}

// RequireAuth enforces a bearer token and installs the authenticated
// identity into the request context.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok {
				httputil.WriteError(w, r, domainerrors.New(
					domainerrors.CodeUnauthorized, "missing or malformed Authorization header"))
				return
			}

			identity, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected bearer token",
					"error", err,
					"correlation_id", requestcontext.CorrelationID(r.Context()),
				)
				httputil.WriteError(w, r, err)
				return
			}

			ctx := requestcontext.WithTenant(r.Context(), identity.TenantID)
			ctx = requestcontext.WithActor(ctx, identity.ActorID)
			ctx = requestcontext.WithActorRole(ctx, identity.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StaticIdentity installs a fixed identity, used when authentication is
// disabled (local development, trusted internal deployments).
func StaticIdentity(identity Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTenant(r.Context(), identity.TenantID)
			ctx = requestcontext.WithActor(ctx, identity.ActorID)
			ctx = requestcontext.WithActorRole(ctx, identity.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
