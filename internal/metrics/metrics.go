// Package metrics provides Prometheus metrics for the Quince server and
// sync engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quince_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_sse_connections_active",
			Help: "Number of active realtime subscribers",
		},
	)

	sseEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_sse_events_total",
			Help: "Total change events broadcast",
		},
	)

	syncPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_sync_pushes_total",
			Help: "Total full-tree pushes",
		},
		[]string{"result"},
	)

	syncPullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quince_sync_pulls_total",
			Help: "Total full-tree pulls",
		},
		[]string{"result"},
	)

	syncTicksSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quince_sync_ticks_suppressed_total",
			Help: "Realtime change ticks ignored while the mutation guard was set",
		},
	)

	noteTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quince_note_tree_size",
			Help: "Number of nodes in the note tree",
		},
	)
)

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the active subscriber gauge.
func SetSSEConnectionsActive(n int64) {
	sseConnectionsActive.Set(float64(n))
}

// RecordSSEEvent records one broadcast change event.
func RecordSSEEvent() {
	sseEventsTotal.Inc()
}

// RecordSyncPush records a push outcome.
func RecordSyncPush(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	syncPushesTotal.WithLabelValues(result).Inc()
}

// RecordSyncPull records a pull outcome.
func RecordSyncPull(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	syncPullsTotal.WithLabelValues(result).Inc()
}

// RecordTickSuppressed records a guard-suppressed realtime tick.
func RecordTickSuppressed() {
	syncTicksSuppressed.Inc()
}

// SetNoteTreeSize sets the tree size gauge.
func SetNoteTreeSize(n int64) {
	noteTreeSize.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments HTTP handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
