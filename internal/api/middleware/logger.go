package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// statusRecorder wraps http.ResponseWriter to capture the status code
// and body size for the access log and the request span.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func record(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// Flush passes through so the streaming turn endpoint can push
// server-sent events delta by delta through the middleware chain.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger emits one structured access-log line per request, correlated
// with the chi request id. Gate rejections and upstream failures show
// up here as 4xx/5xx, so those escalate to warn/error.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)

		next.ServeHTTP(rec, r)

		event := log.Info()
		if rec.status >= 400 {
			event = log.Warn()
		}
		if rec.status >= 500 {
			event = log.Error()
		}

		event.
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
