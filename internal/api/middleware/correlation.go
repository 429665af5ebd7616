package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// maxCorrelationIDLen caps what we accept from callers. Anything longer
// is replaced rather than truncated, so log lines stay greppable.
const maxCorrelationIDLen = 64

// CorrelationID adopts the caller's X-Correlation-ID when it is usable,
// otherwise mints a fresh UUID. The id rides the request context through
// the consumer-facing event trail (ProcessedEvent carries the same field)
// and is echoed back so clients can quote it in support requests.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID returns the id stored by CorrelationID, or "" when the
// middleware was not applied.
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
