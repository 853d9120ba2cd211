package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMiddleware records RED metrics for the command API.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

// NewHTTPMiddleware creates a new HTTP middleware for telemetry.
func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{
		telemetry: telemetry,
	}
}

// Middleware returns the HTTP middleware function. Spans come from otelhttp;
// this layer only records request counters and durations keyed by route
// pattern so request ids in paths do not explode cardinality.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	traced := otelhttp.NewHandler(next, "http_request")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.telemetry == nil {
			traced.ServeHTTP(w, r)

			return
		}

		ctx := r.Context()
		start := time.Now()

		m.telemetry.IncrementHTTPInFlight(ctx)
		defer m.telemetry.DecrementHTTPInFlight(ctx)

		rec := newStatusRecorder(w)

		traced.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		m.telemetry.RecordHTTPRequest(ctx, r.Method, route, getStatusClass(rec.code()), time.Since(start))
	})
}

// getStatusClass returns the status class (2xx, 3xx, 4xx, 5xx) for a given status code.
func getStatusClass(statusCode int) string {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return "2xx"
	case statusCode >= http.StatusMultipleChoices && statusCode < http.StatusBadRequest:
		return "3xx"
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return "4xx"
	case statusCode >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
