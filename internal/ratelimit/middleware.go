package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/platform/httputil"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// Middleware enforces a per-tenant request limit. A store failure fails
// open: losing rate limiting briefly is better than refusing evidence.
func Middleware(store Store, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := requestcontext.Tenant(r.Context())
			res, err := store.Allow(r.Context(), tenant, limit, window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limit check failed, allowing request",
					"tenant", tenant, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(res.ResetAt).Seconds())+1))
				httputil.WriteError(w, r, domainerrors.New(
					domainerrors.CodeRateLimited, "tenant upload rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
