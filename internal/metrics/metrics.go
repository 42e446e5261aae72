// Package metrics provides Prometheus metrics for the NoteVault server.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notevault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notevault_content_bytes_downloaded_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notevault_content_bytes_uploaded_total",
			Help: "Total bytes written through the content endpoint",
		},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_content_uploads_total",
			Help: "Total number of content writes",
		},
		[]string{"status"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_cache_lookups_total",
			Help: "Distributed cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)

	cacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notevault_cache_operation_duration_seconds",
			Help:    "Distributed cache operation duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	// Manifest metrics
	manifestNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notevault_manifest_nodes",
			Help: "Number of nodes in the latest published manifest",
		},
	)

	manifestBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notevault_manifest_build_duration_seconds",
			Help:    "Time to rebuild the manifest from a full object store scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	manifestLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_manifest_loads_total",
			Help: "Manifest loads by source (cache, object-store, none)",
		},
		[]string{"source"},
	)

	manifestUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_manifest_updates_total",
			Help: "Incremental manifest updates by operation and status",
		},
		[]string{"op", "status"},
	)

	partialMovesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notevault_manifest_partial_moves_total",
			Help: "File moves relinked with stale metadata because the destination stat failed",
		},
	)

	// Invalidation metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notevault_event_subscribers",
			Help: "Number of connected invalidation stream subscribers",
		},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_invalidations_total",
			Help: "Invalidation tags raised by tag class",
		},
		[]string{"class"},
	)

	droppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notevault_events_dropped_total",
			Help: "Stream events dropped because a subscriber's buffer was full",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_watcher_events_total",
			Help: "Filesystem events applied from the local storage watcher",
		},
		[]string{"type"},
	)

	// Object store metrics
	objectStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notevault_object_store_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	objectStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_object_store_operations_total",
			Help: "Total object store operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordContentDownload records bytes served from the content endpoint.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records a content write.
func RecordContentUpload(bytes int64, success bool) {
	if success {
		contentBytesUploaded.Add(float64(bytes))
	}
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordCacheLookup records a distributed cache lookup.
func RecordCacheLookup(kind string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCacheOperation records the latency of a distributed cache call.
func RecordCacheOperation(backend, operation string, duration time.Duration) {
	cacheOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SetManifestNodes sets the node count of the latest manifest.
func SetManifestNodes(count int) {
	manifestNodes.Set(float64(count))
}

// RecordManifestBuild records a full rebuild duration.
func RecordManifestBuild(duration time.Duration) {
	manifestBuildDuration.Observe(duration.Seconds())
}

// RecordManifestLoad records where a manifest load was served from.
func RecordManifestLoad(source string) {
	manifestLoadsTotal.WithLabelValues(source).Inc()
}

// RecordManifestUpdate records an incremental update.
func RecordManifestUpdate(op string, success bool) {
	manifestUpdatesTotal.WithLabelValues(op, statusLabel(success)).Inc()
}

// RecordPartialMove records a move that kept stale metadata.
func RecordPartialMove() {
	partialMovesTotal.Inc()
}

// SetEventSubscribers sets the number of connected invalidation subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordDroppedEvent counts an event a slow subscriber did not receive.
func RecordDroppedEvent() {
	droppedEventsTotal.Inc()
}

// RecordInvalidation records a raised invalidation tag.
func RecordInvalidation(class string) {
	invalidationsTotal.WithLabelValues(class).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordWatcherEvent records a filesystem event applied by the watcher.
func RecordWatcherEvent(eventType string) {
	watcherEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordObjectStoreOperation records an object store call.
func RecordObjectStoreOperation(backend, operation string, duration time.Duration, success bool) {
	objectStoreOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	objectStoreOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
