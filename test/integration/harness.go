// Package integration provides a reusable test harness for end-to-end
// integration testing of the civic portal API. It starts the full HTTP
// router on in-memory stores with the built-in catalog and a local token
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/internal/capability"
	"github.com/pitabwire/civicportal/internal/catalog"
	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/internal/identity"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/internal/profile"
	"github.com/pitabwire/civicportal/internal/transport"
	"github.com/pitabwire/civicportal/model"
)

// SigningKey is the HS256 key the harness signs tokens with.
const SigningKey = "integration-signing-key-0123456789abcdef"

// TestHarness encapsulates a fully wired portal instance for integration
// testing.
type TestHarness struct {
	t        *testing.T
	server   *httptest.Server
	cfg      *config.Config
	tokens   *identity.TokenService
	registry *catalog.Registry
	metrics  *observability.Metrics
	gatherer *prometheus.Registry

	// faults is the number of upcoming requests the server fails with
	// BACKEND_UNAVAILABLE before they reach the router.
	faults atomic.Int64
	hits   atomic.Int64
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	catalogDirs    []string
	policyFile     string
	handlerTimeout time.Duration
	maxBodyBytes   int64
}

// WithCatalog loads service definitions from dirs instead of the built-in
// catalog.
func WithCatalog(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.catalogDirs = append(c.catalogDirs, dirs...)
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxBodyBytes sets the JSON request body limit.
func WithMaxBodyBytes(n int64) HarnessOption {
	return func(c *harnessConfig) {
		c.maxBodyBytes = n
	}
}

// NewTestHarness creates and starts a full portal test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hcfg := &harnessConfig{}
	for _, opt := range opts {
		opt(hcfg)
	}

	cfg := config.Defaults()
	cfg.Identity.SigningKey = SigningKey
	if hcfg.handlerTimeout > 0 {
		cfg.Server.HandlerTimeout = hcfg.handlerTimeout
	}
	if hcfg.maxBodyBytes > 0 {
		cfg.Server.MaxBodyBytes = hcfg.maxBodyBytes
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	defs, err := catalog.Load(hcfg.catalogDirs)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	registry := catalog.NewRegistry(defs)
	metrics.SetCatalogServicesLoaded(registry.Len())

	evaluator, err := capability.NewStaticPolicyEvaluator(hcfg.policyFile)
	if err != nil {
		t.Fatalf("create policy evaluator: %v", err)
	}
	resolver := capability.NewResolver(evaluator, time.Minute, 1000).WithMetrics(metrics)

	contract, err := openapi.LoadPortal()
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}

	tokens := identity.NewTokenService([]byte(SigningKey), cfg.Identity.Issuer, cfg.Identity.Audience, cfg.Identity.TokenTTL)
	profileStore := profile.NewMemoryStore()
	profiles := profile.NewService(profileStore, tokens, cfg.Identity, cfg.Uploads, metrics, logger)

	records := application.NewMemoryRecordStore()
	idem := application.NewMemoryIdempotencyStore()
	apps := application.NewService(records, registry, resolver, logger,
		application.WithIdempotency(idem, cfg.Idempotency.TTL),
		application.WithNotifier(profiles),
		application.WithMetrics(metrics),
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     reg,
		Tokens:       tokens,
		Capabilities: resolver,
		Catalog:      registry,
		Applications: apps,
		Profiles:     profiles,
		Contract:     contract,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded:    func() bool { return registry.Len() > 0 },
			RecordStore:      records,
			ProfileStore:     profileStore,
			IdempotencyStore: idem,
		},
	})

	h := &TestHarness{
		t:        t,
		cfg:      cfg,
		tokens:   tokens,
		registry: registry,
		metrics:  metrics,
		gatherer: reg,
	}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		if h.faults.Add(-1) >= 0 {
			transport.WriteError(w, model.NewBackendUnavailableError())
			return
		}
		h.faults.Store(0)
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// HTTPClient returns a client configured for the test server.
func (h *TestHarness) HTTPClient() *http.Client {
	return h.server.Client()
}

// Config returns the configuration the server was built with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// Catalog returns the loaded service registry.
func (h *TestHarness) Catalog() *catalog.Registry {
	return h.registry
}

// Gatherer returns the Prometheus registry the server records into.
func (h *TestHarness) Gatherer() prometheus.Gatherer {
	return h.gatherer
}

// FailNext makes the next n requests fail with BACKEND_UNAVAILABLE before
// they reach the router.
func (h *TestHarness) FailNext(n int) {
	h.faults.Store(int64(n))
}

// Hits returns how many requests the server has received.
func (h *TestHarness) Hits() int {
	return int(h.hits.Load())
}

// GenerateToken issues a valid bearer token for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issue(h.tokens, claims)
}

// GenerateExpiredToken issues a token that expired well outside the
// verifier's leeway.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	past := time.Now().Add(-2 * h.cfg.Identity.TokenTTL)
	return h.issue(h.tokens.WithClock(func() time.Time { return past }), claims)
}

func (h *TestHarness) issue(svc *identity.TokenService, claims TestClaims) string {
	h.t.Helper()
	tok, err := svc.Issue(claims.account())
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok.AccessToken
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// RawRequest sends a request with a pre-encoded body.
func (h *TestHarness) RawRequest(method, path, body, token string) *http.Response {
	h.t.Helper()
	return h.send(method, path, strings.NewReader(body), token, map[string]string{"Content-Type": "application/json"})
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	return h.send(method, path, bodyReader, token, headers)
}

func (h *TestHarness) send(method, path string, body io.Reader, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// Response is the decoded envelope of an API response with its data left
// raw for a second decode.
type Response struct {
	Success bool                 `json:"success"`
	Data    json.RawMessage      `json:"data"`
	Message string               `json:"message"`
	Error   *model.ErrorEnvelope `json:"error"`
}

// Decode unmarshals the envelope's data into target.
func (r Response) Decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, target); err != nil {
		t.Fatalf("decode data: %v\ndata: %s", err, string(r.Data))
	}
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertEnvelope checks the status code and decodes the envelope.
func (h *TestHarness) AssertEnvelope(t *testing.T, resp *http.Response, expected int) Response {
	t.Helper()
	h.AssertStatus(t, resp, expected)
	var env Response
	h.ParseJSON(resp, &env)
	return env
}

// AssertErrorCode checks the status code and the envelope's error code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) Response {
	t.Helper()
	env := h.AssertEnvelope(t, resp, expected)
	if env.Success || env.Error == nil {
		t.Fatalf("envelope = %+v, want failure", env)
	}
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
	return env
}

// --- Default test claims ---

// TestClaims describes the caller a harness token identifies.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
}

func (c TestClaims) account() model.Account {
	return model.Account{SubjectID: c.SubjectID, Email: c.Email, Roles: c.Roles}
}

// CitizenClaims returns TestClaims for a fresh citizen.
func CitizenClaims() TestClaims {
	return TestClaims{
		SubjectID: uuid.NewString(),
		Email:     "citizen@example.org",
		Roles:     []string{model.RoleCitizen},
	}
}

// OfficialClaims returns TestClaims for a reviewing official.
func OfficialClaims() TestClaims {
	return TestClaims{
		SubjectID: uuid.NewString(),
		Email:     "official@example.org",
		Roles:     []string{model.RoleOfficial},
	}
}
