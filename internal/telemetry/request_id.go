package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/downloadmanager/internal/logctx"
)

type ctxKey string

const (
	requestIDKey    ctxKey = "http_request_id"
	RequestIDHeader        = "X-Request-ID"
)

// RequestID middleware tags each API call with an id. An upstream
// X-Request-ID header is reused. The id is stored in the context, added to
// the context logger and echoed as a response header.
//
// These ids identify API calls and are unrelated to engine request ids.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("http_request_id", requestID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the API request id from context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
