package daemon

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shurlinet/parley/pkg/p2pchat"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer's
// Flush and deadline methods.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// InstrumentHandler wraps an HTTP handler with Prometheus metrics and audit logging.
// If both metrics and audit are nil, the handler is returned unchanged.
func InstrumentHandler(next http.Handler, metrics *p2pchat.Metrics, audit *p2pchat.AuditLogger) http.Handler {
	if metrics == nil && audit == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := routeLabel(r)
		status := strconv.Itoa(rec.status)

		if metrics != nil {
			metrics.DaemonRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, path, status).Observe(duration)
		}
		if audit != nil {
			audit.DaemonAPIAccess(r.Method, path, rec.status)
		}
	})
}

// routeLabel returns the matched route path for metric labels. Requests
// that matched no route (or were rejected before routing) share one
// label so arbitrary paths cannot grow label cardinality.
//
//	"POST /v1/message" -> /v1/message
//	/v1/nonexistent    -> unmatched
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}
