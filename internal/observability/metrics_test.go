package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	expected := []string{
		"civic_http_requests_total",
		"civic_http_request_duration_seconds",
		"civic_http_request_size_bytes",
		"civic_http_response_size_bytes",
		"civic_applications_submitted_total",
		"civic_application_submission_failures_total",
		"civic_application_transitions_total",
		"civic_application_transition_rejections_total",
		"civic_fee_payments_total",
		"civic_idempotency_replays_total",
		"civic_idempotency_conflicts_total",
		"civic_auth_attempts_total",
		"civic_uploads_total",
		"civic_upload_size_bytes",
		"civic_client_requests_total",
		"civic_client_request_duration_seconds",
		"civic_client_retries_total",
		"civic_client_circuit_breaker_state",
		"civic_capability_cache_hits_total",
		"civic_capability_cache_misses_total",
		"civic_catalog_reload_total",
		"civic_catalog_services_loaded",
	}

	// Vectors only show up in Gather once a label set has been observed.
	m.RecordHTTPRequest("GET", "/api/services", 200, time.Millisecond, 0, 100)
	m.RecordSubmission("birth-certificate", "application")
	m.RecordSubmissionFailure("birth-certificate", "VALIDATION_ERROR")
	m.RecordTransition("application", "Submitted", "UnderReview")
	m.RecordTransitionRejected("vehicle")
	m.RecordFeePayment("birth-certificate")
	m.RecordIdempotencyReplay()
	m.RecordIdempotencyConflict()
	m.RecordAuthAttempt("login", "success")
	m.RecordUpload("picture", "accepted", 2048)
	m.RecordClientRequest("GET", "/api/profile", 200, time.Millisecond)
	m.RecordClientRetry("GET", "/api/profile")
	m.SetClientCircuitBreakerState(BreakerClosed)
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.RecordCatalogReload("success")
	m.SetCatalogServicesLoaded(14)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSubmission("x", "application")
	m.RecordTransition("application", "Submitted", "UnderReview")
	m.RecordUpload("document", "rejected", 0)
	m.SetCatalogServicesLoaded(3)
	m.RecordHTTPRequest("GET", "/", 200, 0, 0, 0)
}

func TestRecordSubmission(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSubmission("birth-certificate", "application")
	m.RecordSubmission("birth-certificate", "application")
	m.RecordSubmissionFailure("birth-certificate", "CONFLICT")

	if v := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("birth-certificate", "application")); v != 2 {
		t.Errorf("submissions = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.SubmissionFailuresTotal.WithLabelValues("birth-certificate", "CONFLICT")); v != 1 {
		t.Errorf("failures = %v, want 1", v)
	}
}

func TestRecordTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("vehicle", "Submitted", "Inspection")
	m.RecordTransitionRejected("vehicle")
	m.RecordTransitionRejected("vehicle")

	if v := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("vehicle", "Submitted", "Inspection")); v != 1 {
		t.Errorf("transitions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TransitionRejectionsTotal.WithLabelValues("vehicle")); v != 2 {
		t.Errorf("rejections = %v, want 2", v)
	}
}

func TestRecordUpload_onlyObservesAcceptedSizes(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordUpload("document", "rejected", 1<<30)
	if n := testutil.CollectAndCount(m.UploadSizeBytes); n != 0 {
		t.Errorf("size observations after rejection = %d, want 0", n)
	}

	m.RecordUpload("document", "accepted", 4096)
	if n := testutil.CollectAndCount(m.UploadSizeBytes); n != 1 {
		t.Errorf("size series = %d, want 1", n)
	}
	if v := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("document", "rejected")); v != 1 {
		t.Errorf("rejected uploads = %v, want 1", v)
	}
}

func TestSetClientCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetClientCircuitBreakerState(BreakerOpen)
	if v := testutil.ToFloat64(m.ClientCircuitBreakerState); v != BreakerOpen {
		t.Errorf("state = %v, want %d", v, BreakerOpen)
	}
	m.SetClientCircuitBreakerState(BreakerClosed)
	if v := testutil.ToFloat64(m.ClientCircuitBreakerState); v != BreakerClosed {
		t.Errorf("state = %v, want %d", v, BreakerClosed)
	}
}

func TestRecordCapabilityCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()

	if hits := testutil.ToFloat64(m.CapabilityCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.CapabilityCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetCatalogServicesLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCatalogServicesLoaded(5)
	m.SetCatalogServicesLoaded(14)
	if v := testutil.ToFloat64(m.CatalogServicesLoaded); v != 14 {
		t.Errorf("services loaded = %v, want 14", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/applications/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/applications/abc-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/applications/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/applications", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/applications", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/applications", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetCatalogServicesLoaded(7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "civic_catalog_services_loaded 7") {
		t.Error("metrics response should contain the catalog gauge")
	}
}

func TestHandler_defaultRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("default registry should expose go runtime metrics")
	}
}
