package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	clientDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
	uploadSizeBuckets     = []float64{10240, 102400, 1048576, 5242880, 10485760}
)

// Circuit breaker states as exported by the civic_client_circuit_breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds every Prometheus instrument of the portal. All recording
// methods are safe to call on a nil *Metrics and then do nothing.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Applications
	SubmissionsTotal          *prometheus.CounterVec
	SubmissionFailuresTotal   *prometheus.CounterVec
	TransitionsTotal          *prometheus.CounterVec
	TransitionRejectionsTotal *prometheus.CounterVec
	FeePaymentsTotal          *prometheus.CounterVec
	IdempotencyReplaysTotal   prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter

	// Profile
	AuthAttemptsTotal *prometheus.CounterVec
	UploadsTotal      *prometheus.CounterVec
	UploadSizeBytes   *prometheus.HistogramVec

	// Portal client
	ClientRequestsTotal       *prometheus.CounterVec
	ClientRequestDuration     *prometheus.HistogramVec
	ClientRetriesTotal        *prometheus.CounterVec
	ClientCircuitBreakerState prometheus.Gauge

	// Cache
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// System
	CatalogReloadTotal    *prometheus.CounterVec
	CatalogServicesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civic_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civic_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civic_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_applications_submitted_total",
			Help: "Total number of accepted application submissions.",
		}, []string{"service_id", "domain"}),
		SubmissionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_application_submission_failures_total",
			Help: "Total number of rejected application submissions.",
		}, []string{"service_id", "code"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_application_transitions_total",
			Help: "Total number of application status transitions.",
		}, []string{"domain", "from", "to"}),
		TransitionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_application_transition_rejections_total",
			Help: "Total number of status transitions outside the domain graph.",
		}, []string{"domain"}),
		FeePaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_fee_payments_total",
			Help: "Total number of recorded fee payments.",
		}, []string{"service_id"}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civic_idempotency_replays_total",
			Help: "Total number of submissions answered from the idempotency store.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civic_idempotency_conflicts_total",
			Help: "Total number of idempotency keys reused with a different payload.",
		}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_auth_attempts_total",
			Help: "Total number of login and token checks by outcome.",
		}, []string{"kind", "outcome"}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_uploads_total",
			Help: "Total number of profile uploads.",
		}, []string{"kind", "status"}),
		UploadSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civic_upload_size_bytes",
			Help:    "Size of accepted profile uploads in bytes.",
			Buckets: uploadSizeBuckets,
		}, []string{"kind"}),

		ClientRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_client_requests_total",
			Help: "Total number of portal API requests made by the client.",
		}, []string{"method", "path", "status"}),
		ClientRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "civic_client_request_duration_seconds",
			Help:    "Portal API request duration in seconds.",
			Buckets: clientDurationBuckets,
		}, []string{"method", "path"}),
		ClientRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_client_retries_total",
			Help: "Total number of portal API request retries.",
		}, []string{"method", "path"}),
		ClientCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "civic_client_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civic_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civic_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		CatalogReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_catalog_reload_total",
			Help: "Total catalog loads by outcome.",
		}, []string{"status"}),
		CatalogServicesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "civic_catalog_services_loaded",
			Help: "Number of services in the active catalog.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.SubmissionsTotal,
		m.SubmissionFailuresTotal,
		m.TransitionsTotal,
		m.TransitionRejectionsTotal,
		m.FeePaymentsTotal,
		m.IdempotencyReplaysTotal,
		m.IdempotencyConflictsTotal,
		m.AuthAttemptsTotal,
		m.UploadsTotal,
		m.UploadSizeBytes,
		m.ClientRequestsTotal,
		m.ClientRequestDuration,
		m.ClientRetriesTotal,
		m.ClientCircuitBreakerState,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.CatalogReloadTotal,
		m.CatalogServicesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records an accepted application.
func (m *Metrics) RecordSubmission(serviceID, domain string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(serviceID, domain).Inc()
}

// RecordSubmissionFailure records a rejected application by error code.
func (m *Metrics) RecordSubmissionFailure(serviceID, code string) {
	if m == nil {
		return
	}
	m.SubmissionFailuresTotal.WithLabelValues(serviceID, code).Inc()
}

// RecordTransition records a status change.
func (m *Metrics) RecordTransition(domain, from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(domain, from, to).Inc()
}

// RecordTransitionRejected records a transition refused by the status graph.
func (m *Metrics) RecordTransitionRejected(domain string) {
	if m == nil {
		return
	}
	m.TransitionRejectionsTotal.WithLabelValues(domain).Inc()
}

// RecordFeePayment records a paid fee.
func (m *Metrics) RecordFeePayment(serviceID string) {
	if m == nil {
		return
	}
	m.FeePaymentsTotal.WithLabelValues(serviceID).Inc()
}

// RecordIdempotencyReplay records a submission answered from cache.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordIdempotencyConflict records a key reused with a different body.
func (m *Metrics) RecordIdempotencyConflict() {
	if m == nil {
		return
	}
	m.IdempotencyConflictsTotal.Inc()
}

// RecordAuthAttempt records a login or token verification outcome.
// kind is "login" or "token"; outcome is "success" or "failure".
func (m *Metrics) RecordAuthAttempt(kind, outcome string) {
	if m == nil {
		return
	}
	m.AuthAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordUpload records a profile upload. size is observed only for
// accepted uploads.
func (m *Metrics) RecordUpload(kind, status string, size int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(kind, status).Inc()
	if status == "accepted" {
		m.UploadSizeBytes.WithLabelValues(kind).Observe(float64(size))
	}
}

// RecordClientRequest records one portal API request made by the client.
// status 0 means the request never got a response.
func (m *Metrics) RecordClientRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ClientRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.ClientRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordClientRetry records a client retry.
func (m *Metrics) RecordClientRetry(method, path string) {
	if m == nil {
		return
	}
	m.ClientRetriesTotal.WithLabelValues(method, path).Inc()
}

// SetClientCircuitBreakerState sets the client breaker gauge.
func (m *Metrics) SetClientCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.ClientCircuitBreakerState.Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordCatalogReload records a catalog load by status ("success" or "failure").
func (m *Metrics) RecordCatalogReload(status string) {
	if m == nil {
		return
	}
	m.CatalogReloadTotal.WithLabelValues(status).Inc()
}

// SetCatalogServicesLoaded sets the number of services in the catalog.
func (m *Metrics) SetCatalogServicesLoaded(count int) {
	if m == nil {
		return
	}
	m.CatalogServicesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled with chi's route
// pattern rather than the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer, or
// for the default registry when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern, falling back to the raw path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
