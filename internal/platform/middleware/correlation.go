package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zteffi86/permia/pkg/requestcontext"
)

// CorrelationHeader carries the request correlation id. Clients may supply
// their own; the server generates one otherwise and always echoes it back.
const CorrelationHeader = "X-Correlation-Id"

// Correlation injects the correlation id and server receipt time into the
// request context. Receipt time is captured here, before body processing, so
// the drift check measures network delay rather than upload duration.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)

		ctx := requestcontext.WithCorrelationID(r.Context(), id)
		ctx = requestcontext.WithTime(ctx, time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
