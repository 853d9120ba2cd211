package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/downloadmanager/internal/logctx"
)

// statusRecorder remembers the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter

	status int // zero until the header is written
	bytes  int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w}
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status != 0 {
		return
	}

	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}

	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)

	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// code returns the status sent, or 200 when the handler wrote nothing.
func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}

	return r.status
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// HTTPLogging logs each API call once it completes. Failed calls log at warn
// (4xx) or error (5xx) so rejected commands stand out.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rec := newStatusRecorder(w)
		start := time.Now()

		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code(),
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			attrs = append(attrs, "route", rctx.RoutePattern())
		}

		logctx.LoggerFromContext(ctx).Log(ctx, levelFor(rec.code()), "api request", attrs...)
	})
}
