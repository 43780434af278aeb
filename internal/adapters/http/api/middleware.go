package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/okian/photdb/pkg/metrics"
)

// errorKinds maps the statuses the handlers emit to the error label used in
// the component error counter.
var errorKinds = map[int]string{
	http.StatusBadRequest:         "malformed_input",
	http.StatusNotFound:           "not_found",
	http.StatusConflict:           "integrity",
	http.StatusTooManyRequests:    "backpressure",
	http.StatusServiceUnavailable: "transport",
}

// MetricsMiddleware counts and times requests to endpoint.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		elapsed := float64(time.Since(start).Microseconds()) / 1e3

		code := strconv.Itoa(rec.status)
		metrics.RecordHTTPRequest(endpoint, r.Method, code)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, code, elapsed)
		if rec.status >= http.StatusBadRequest {
			metrics.RecordErrorByComponent("http", errorKind(rec.status))
		}
	}
}

func errorKind(status int) string {
	if k, ok := errorKinds[status]; ok {
		return k
	}
	if status >= http.StatusInternalServerError {
		return "server_error"
	}
	return "client_error"
}

// statusRecorder remembers the first status written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}
