package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/platform/httputil"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// Recovery converts panics into 500 problem responses instead of killing the
// connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"correlation_id", requestcontext.CorrelationID(r.Context()),
					)
					httputil.WriteError(w, r, domainerrors.Newf(
						domainerrors.CodeInternal, "panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
