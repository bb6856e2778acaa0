package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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
	"github.com/pitabwire/civicportal/model"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

type testServer struct {
	handler  http.Handler
	tokens   *identity.TokenService
	profiles *profile.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://portal.example.gov"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Server.MaxBodyBytes = 8 << 10
	cfg.Uploads.MaxPictureBytes = 1 << 10
	cfg.Uploads.MaxDocumentBytes = 2 << 10

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	defs, err := catalog.Load(nil)
	if err != nil {
		t.Fatalf("catalog.Load() error = %v", err)
	}
	registry := catalog.NewRegistry(defs)

	evaluator, err := capability.NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	resolver := capability.NewResolver(evaluator, time.Minute, 100)

	contract, err := openapi.LoadPortal()
	if err != nil {
		t.Fatalf("LoadPortal() error = %v", err)
	}

	tokens := identity.NewTokenService([]byte(testSigningKey), cfg.Identity.Issuer, cfg.Identity.Audience, time.Hour)
	profileStore := profile.NewMemoryStore()
	profiles := profile.NewService(profileStore, tokens, cfg.Identity, cfg.Uploads, metrics, logger)

	records := application.NewMemoryRecordStore()
	idem := application.NewMemoryIdempotencyStore()
	apps := application.NewService(records, registry, resolver, logger,
		application.WithIdempotency(idem, time.Hour),
		application.WithNotifier(profiles),
		application.WithMetrics(metrics),
	)

	handler := NewRouter(Dependencies{
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

	return &testServer{handler: handler, tokens: tokens, profiles: profiles}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// register signs up a citizen and returns the access token.
func (s *testServer) register(t *testing.T, email string) string {
	t.Helper()
	w := s.do(t, "POST", "/api/auth/register", "", map[string]any{
		"email":      email,
		"password":   "correct horse",
		"first_name": "Amina",
		"last_name":  "Nakato",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body)
	}
	var tok model.Token
	decodeData(t, w, &tok)
	return tok.AccessToken
}

func (s *testServer) official(t *testing.T) string {
	t.Helper()
	acct, err := s.profiles.CreateAccount(context.Background(), model.Registration{
		Email:     "clerk@city.example.gov",
		Password:  "registrar office",
		FirstName: "Joseph",
		LastName:  "Okello",
	}, model.RoleOfficial)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	tok, err := s.tokens.Issue(acct)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok.AccessToken
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body)
	}
	if !env.Success {
		t.Fatalf("success = false: %s", w.Body)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *model.ErrorEnvelope {
	t.Helper()
	var env model.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body)
	}
	if env.Success || env.Error == nil {
		t.Fatalf("expected a failed envelope, got %s", w.Body)
	}
	return env.Error
}

func birthCertificateBody() map[string]any {
	return map[string]any{
		"service_id": "birth-certificate",
		"payload": map[string]any{
			"first_name":      "Amina",
			"last_name":       "Nakato",
			"email":           "amina@example.org",
			"child_full_name": "Baraka Nakato",
			"date_of_birth":   "2025-11-02",
			"place_of_birth":  "Entebbe",
			"relationship":    "parent",
			"declaration":     true,
		},
	}
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/health", "", nil)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body observability.HealthResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestNewRouter_ready(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/ready", "", nil)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body)
	}
	var body observability.ReadinessResponse
	json.NewDecoder(w.Body).Decode(&body)
	for _, name := range []string{"catalog", "record_store", "profile_store", "idempotency_store"} {
		if body.Checks[name].Status != "ok" {
			t.Errorf("check %s = %+v", name, body.Checks[name])
		}
	}
}

func TestNewRouter_metrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "GET", "/api/services", "", nil)

	w := s.do(t, "GET", "/metrics", "", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `path_pattern="/api/services"`) {
		t.Error("metrics should label requests with the chi route pattern")
	}
}

func TestNewRouter_protectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/api/profile"},
		{"PUT", "/api/profile"},
		{"GET", "/api/profile/picture"},
		{"POST", "/api/profile/picture"},
		{"GET", "/api/profile/documents"},
		{"POST", "/api/profile/documents"},
		{"GET", "/api/profile/applications"},
		{"GET", "/api/profile/notifications"},
		{"PUT", "/api/profile/notifications/n-1"},
		{"DELETE", "/api/profile/notifications/n-1"},
		{"PUT", "/api/change-password"},
		{"POST", "/api/applications"},
		{"GET", "/api/applications/r-1"},
		{"GET", "/api/applications/r-1/history"},
		{"POST", "/api/applications/r-1/payment"},
		{"GET", "/api/admin/applications"},
		{"POST", "/api/admin/applications/r-1/transition"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := s.do(t, rt.method, rt.path, "", nil)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if ee := decodeError(t, w); ee.Code != model.ErrUnauthorized {
				t.Errorf("code = %q", ee.Code)
			}
		})
	}
}

func TestNewRouter_rejectsBadTokens(t *testing.T) {
	s := newTestServer(t)

	other := identity.NewTokenService([]byte("ffffffffffffffffffffffffffffffff"), "civicportal", "civicportal-api", time.Hour)
	forged, err := other.Issue(model.Account{SubjectID: "u-1", Roles: []string{model.RoleAdmin}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not-a-jwt"},
		{"foreign signature", "Bearer " + forged.AccessToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "GET", "/api/profile", "", nil, "Authorization", tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_corsPreflight(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "OPTIONS", "/api/applications", "", nil, "Origin", "https://portal.example.gov")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://portal.example.gov" {
		t.Errorf("Allow-Origin = %q", got)
	}

	w = s.do(t, "OPTIONS", "/api/applications", "", nil, "Origin", "https://evil.example.com")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want empty", got)
	}
}

func TestNewRouter_correlationID(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/health", "", nil, "X-Correlation-Id", "abc-123")
	if got := w.Header().Get("X-Correlation-Id"); got != "abc-123" {
		t.Errorf("X-Correlation-Id = %q, want echo", got)
	}
	w = s.do(t, "GET", "/health", "", nil)
	if got := w.Header().Get("X-Correlation-Id"); len(got) != 32 {
		t.Errorf("generated X-Correlation-Id = %q", got)
	}
}

// --- Auth and profile ---

func TestAuth_registerAndLogin(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")

	w := s.do(t, "GET", "/api/profile", token, nil)
	if w.Code != 200 {
		t.Fatalf("profile status = %d (%s)", w.Code, w.Body)
	}
	var p model.Profile
	decodeData(t, w, &p)
	if p.FirstName != "Amina" || p.Email != "amina@example.org" {
		t.Errorf("profile = %+v", p)
	}

	w = s.do(t, "POST", "/api/auth/login", "", map[string]any{"email": "AMINA@example.org", "password": "correct horse"})
	if w.Code != 200 {
		t.Fatalf("login status = %d (%s)", w.Code, w.Body)
	}
	var tok model.Token
	decodeData(t, w, &tok)
	if tok.AccessToken == "" || tok.TokenType != "Bearer" {
		t.Errorf("token = %+v", tok)
	}

	w = s.do(t, "POST", "/api/auth/login", "", map[string]any{"email": "amina@example.org", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", w.Code)
	}
}

func TestAuth_registerValidatesAgainstContract(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/auth/register", "", map[string]any{"email": "a@b.c", "role": "admin"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%s)", w.Code, w.Body)
	}
	ee := decodeError(t, w)
	if ee.Code != model.ErrValidationError || len(ee.Details) == 0 {
		t.Errorf("error = %+v", ee)
	}

	w = s.do(t, "POST", "/api/auth/register", "", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", w.Code)
	}
}

func TestProfile_updateAndChangePassword(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")

	w := s.do(t, "PUT", "/api/profile", token, map[string]any{
		"address":     "Plot 4, Kampala Road",
		"preferences": map[string]any{"email": false, "sms": true, "in_app": true},
	})
	if w.Code != 200 {
		t.Fatalf("update status = %d (%s)", w.Code, w.Body)
	}
	var p model.Profile
	decodeData(t, w, &p)
	if p.Address != "Plot 4, Kampala Road" || !p.Preferences.SMS || p.Preferences.Email {
		t.Errorf("profile = %+v", p)
	}

	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"mismatch", map[string]any{"current_password": "correct horse", "new_password": "battery staple", "confirm_password": "battery"}, 422},
		{"wrong current", map[string]any{"current_password": "nope nope", "new_password": "battery staple", "confirm_password": "battery staple"}, 401},
		{"missing field", map[string]any{"new_password": "battery staple"}, 422},
		{"ok", map[string]any{"current_password": "correct horse", "new_password": "battery staple", "confirm_password": "battery staple"}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "PUT", "/api/change-password", token, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body)
			}
		})
	}
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (s *testServer) upload(t *testing.T, path, token, field, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, field, filename, data)
	req := httptest.NewRequest("POST", path, body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func TestProfile_pictureUpload(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

	w := s.upload(t, "/api/profile/picture", token, "picture", "me.png", png)
	if w.Code != 200 {
		t.Fatalf("upload status = %d (%s)", w.Code, w.Body)
	}
	var p model.Profile
	decodeData(t, w, &p)
	if !p.HasPicture {
		t.Error("HasPicture = false after upload")
	}

	w = s.do(t, "GET", "/api/profile/picture", token, nil)
	if w.Code != 200 || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("get picture = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.Equal(w.Body.Bytes(), png) {
		t.Error("picture bytes differ from upload")
	}

	w = s.upload(t, "/api/profile/picture", token, "picture", "big.png", bytes.Repeat(png, 64))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized status = %d, want 413", w.Code)
	}

	w = s.upload(t, "/api/profile/picture", token, "avatar", "me.png", png)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("wrong field status = %d, want 422", w.Code)
	}

	w = s.do(t, "POST", "/api/profile/picture", token, map[string]any{"picture": "base64"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("JSON body status = %d, want 400", w.Code)
	}
}

func TestProfile_documentUpload(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")

	w := s.upload(t, "/api/profile/documents", token, "document", "lease.pdf", []byte("%PDF-1.7\n%EOF\n"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d (%s)", w.Code, w.Body)
	}
	var doc model.Document
	decodeData(t, w, &doc)
	if doc.Name != "lease.pdf" || doc.ContentType != "application/pdf" || len(doc.Checksum) != 64 {
		t.Errorf("document = %+v", doc)
	}

	w = s.do(t, "GET", "/api/profile/documents", token, nil)
	var docs []model.Document
	decodeData(t, w, &docs)
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Errorf("documents = %+v", docs)
	}
}

// --- Applications ---

func TestApplications_submitAndList(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")

	w := s.do(t, "POST", "/api/applications", token, birthCertificateBody(), IdempotencyKeyHeader, "key-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d (%s)", w.Code, w.Body)
	}
	var rec model.Record
	decodeData(t, w, &rec)
	if rec.Status != model.StatusSubmitted || !strings.HasPrefix(rec.ReferenceNumber, "BC-") {
		t.Errorf("record = %+v", rec)
	}
	if rec.Fee.Status != model.FeeUnpaid || rec.Fee.Amount != 1500 {
		t.Errorf("fee = %+v", rec.Fee)
	}

	w = s.do(t, "POST", "/api/applications", token, birthCertificateBody(), IdempotencyKeyHeader, "key-1")
	if w.Code != http.StatusOK || w.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("replay = %d %q", w.Code, w.Header().Get(ReplayHeader))
	}
	var replayed model.Record
	decodeData(t, w, &replayed)
	if replayed.ID != rec.ID {
		t.Errorf("replayed id = %s, want %s", replayed.ID, rec.ID)
	}

	other := birthCertificateBody()
	other["payload"].(map[string]any)["place_of_birth"] = "Jinja"
	w = s.do(t, "POST", "/api/applications", token, other, IdempotencyKeyHeader, "key-1")
	if w.Code != http.StatusConflict {
		t.Errorf("key reuse status = %d, want 409", w.Code)
	}

	w = s.do(t, "GET", "/api/profile/applications?q=baraka&filter[status]=Submitted&page_size=5", token, nil)
	var page model.PageResult[model.Record]
	decodeData(t, w, &page)
	if page.Total != 0 {
		t.Errorf("search on a non-searchable field matched: %+v", page)
	}

	w = s.do(t, "GET", "/api/profile/applications?q="+rec.ReferenceNumber+"&filter[status]=Submitted&page_size=5", token, nil)
	decodeData(t, w, &page)
	if page.Total != 1 || page.PageSize != 5 || page.Items[0].ID != rec.ID {
		t.Errorf("page = %+v", page)
	}

	w = s.do(t, "GET", "/api/applications/"+rec.ID+"/history", token, nil)
	var events []model.RecordEvent
	decodeData(t, w, &events)
	if len(events) != 1 || events[0].Event != model.EventSubmitted {
		t.Errorf("history = %+v", events)
	}

	w = s.do(t, "GET", "/api/profile/notifications", token, nil)
	var notes model.PageResult[model.Notification]
	decodeData(t, w, &notes)
	if notes.Total != 1 || notes.Items[0].RecordID != rec.ID {
		t.Fatalf("notifications = %+v", notes)
	}

	id := notes.Items[0].ID
	w = s.do(t, "PUT", "/api/profile/notifications/"+id, token, map[string]any{"read": true})
	var n model.Notification
	decodeData(t, w, &n)
	if !n.Read {
		t.Error("notification not marked read")
	}
	w = s.do(t, "DELETE", "/api/profile/notifications/"+id, token, nil)
	if w.Code != 200 {
		t.Errorf("delete status = %d", w.Code)
	}
	w = s.do(t, "DELETE", "/api/profile/notifications/"+id, token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestApplications_submitValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown property", map[string]any{"service_id": "birth-certificate", "payload": map[string]any{}, "status": "Approved"}, 422, model.ErrValidationError},
		{"numeric payload value", map[string]any{"service_id": "birth-certificate", "payload": map[string]any{"copies": 2}}, 422, model.ErrValidationError},
		{"missing required fields", map[string]any{"service_id": "birth-certificate", "payload": map[string]any{"first_name": "Amina"}}, 422, model.ErrValidationError},
		{"unknown service", map[string]any{"service_id": "moon-landing", "payload": map[string]any{}}, 404, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "POST", "/api/applications", token, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body)
			}
			if ee := decodeError(t, w); ee.Code != tt.code {
				t.Errorf("code = %s, want %s", ee.Code, tt.code)
			}
		})
	}
}

func TestApplications_otherSubjectSeesNotFound(t *testing.T) {
	s := newTestServer(t)
	owner := s.register(t, "amina@example.org")
	stranger := s.register(t, "brian@example.org")

	w := s.do(t, "POST", "/api/applications", owner, birthCertificateBody())
	var rec model.Record
	decodeData(t, w, &rec)

	w = s.do(t, "GET", "/api/applications/"+rec.ID, stranger, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("stranger get = %d, want 404", w.Code)
	}
	w = s.do(t, "POST", "/api/applications/"+rec.ID+"/payment", stranger, map[string]any{"amount": 1500, "method": "card"})
	if w.Code != http.StatusNotFound {
		t.Errorf("stranger payment = %d, want 404", w.Code)
	}
}

func TestApplications_payment(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "amina@example.org")

	w := s.do(t, "POST", "/api/applications", token, birthCertificateBody())
	var rec model.Record
	decodeData(t, w, &rec)

	w = s.do(t, "POST", "/api/applications/"+rec.ID+"/payment", token, map[string]any{"amount": 100, "method": "card"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("short payment = %d, want 422", w.Code)
	}

	w = s.do(t, "POST", "/api/applications/"+rec.ID+"/payment", token, map[string]any{"amount": 1500, "method": "mobile_money"})
	if w.Code != 200 {
		t.Fatalf("payment = %d (%s)", w.Code, w.Body)
	}
	var paid model.Record
	decodeData(t, w, &paid)
	if paid.Fee.Status != model.FeePaid || !strings.HasPrefix(paid.Fee.Receipt, "RCT-") {
		t.Errorf("fee = %+v", paid.Fee)
	}

	w = s.do(t, "POST", "/api/applications/"+rec.ID+"/payment", token, map[string]any{"amount": 1500, "method": "card"})
	if w.Code != http.StatusConflict {
		t.Errorf("double payment = %d, want 409", w.Code)
	}
}

func TestAdmin_reviewFlow(t *testing.T) {
	s := newTestServer(t)
	citizen := s.register(t, "amina@example.org")
	clerk := s.official(t)

	w := s.do(t, "POST", "/api/applications", citizen, birthCertificateBody())
	var rec model.Record
	decodeData(t, w, &rec)

	w = s.do(t, "GET", "/api/admin/applications", citizen, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("citizen admin list = %d, want 403", w.Code)
	}
	w = s.do(t, "POST", "/api/admin/applications/"+rec.ID+"/transition", citizen, map[string]any{"to": "UnderReview"})
	if w.Code != http.StatusForbidden {
		t.Errorf("citizen transition = %d, want 403", w.Code)
	}

	w = s.do(t, "GET", "/api/admin/applications?filter[status]=Submitted&sort=created_at&dir=desc", clerk, nil)
	var page model.PageResult[model.Record]
	decodeData(t, w, &page)
	if page.Total != 1 {
		t.Fatalf("admin list = %+v", page)
	}

	w = s.do(t, "POST", "/api/admin/applications/"+rec.ID+"/transition", clerk, map[string]any{"to": "Approved"})
	if w.Code != http.StatusUnprocessableEntity || decodeError(t, w).Code != model.ErrInvalidTransition {
		t.Errorf("skipping review = %d (%s), want 422 INVALID_TRANSITION", w.Code, w.Body)
	}

	w = s.do(t, "POST", "/api/admin/applications/"+rec.ID+"/transition", clerk, map[string]any{"to": "UnderReview", "version": 1})
	if w.Code != 200 {
		t.Fatalf("transition = %d (%s)", w.Code, w.Body)
	}
	var moved model.Record
	decodeData(t, w, &moved)
	if moved.Status != model.StatusUnderReview || moved.Version != 2 {
		t.Errorf("record = %+v", moved)
	}

	w = s.do(t, "POST", "/api/admin/applications/"+rec.ID+"/transition", clerk, map[string]any{"to": "Approved", "version": 1})
	if w.Code != http.StatusConflict {
		t.Errorf("stale version = %d, want 409", w.Code)
	}

	w = s.do(t, "GET", "/api/applications/"+rec.ID, citizen, nil)
	var seen model.Record
	decodeData(t, w, &seen)
	if seen.Status != model.StatusUnderReview {
		t.Errorf("citizen sees status %s", seen.Status)
	}
}

// --- Catalog ---

func TestCatalog_listAndGet(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/api/services?filter[category]=civil-registry&sort=name&page_size=50", "", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var page model.PageResult[model.ServiceDefinition]
	decodeData(t, w, &page)
	if page.Total == 0 {
		t.Fatal("no civil-registry services")
	}
	for i, def := range page.Items {
		if def.Category != "civil-registry" {
			t.Errorf("item %d category = %q", i, def.Category)
		}
		if i > 0 && page.Items[i-1].Name > def.Name {
			t.Errorf("items not sorted by name at %d", i)
		}
	}

	w = s.do(t, "GET", "/api/services/birth-certificate", "", nil)
	var def model.ServiceDefinition
	decodeData(t, w, &def)
	if def.ReferencePrefix != "BC" || len(def.Steps) == 0 {
		t.Errorf("service = %+v", def)
	}

	w = s.do(t, "GET", "/api/services/moon-landing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown service = %d, want 404", w.Code)
	}
}

func TestCatalog_hugePageIsEmpty(t *testing.T) {
	s := newTestServer(t)

	for _, page := range []string{"922337203685477581", "9223372036854775807"} {
		w := s.do(t, "GET", "/api/services?page="+page, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("page=%s status = %d, want 200", page, w.Code)
		}
		var res model.PageResult[model.ServiceDefinition]
		decodeData(t, w, &res)
		if len(res.Items) != 0 || res.Total == 0 {
			t.Errorf("page=%s items = %d total = %d, want empty page of a non-empty catalog", page, len(res.Items), res.Total)
		}
	}
}

func TestParseListQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/x?q=+ada+&filter[status]=Submitted&filter[domain]=all&sort=created_at&dir=DESC&page=2&page_size=500", nil)
	q := parseListQuery(req.URL.Query())

	if q.Search != "ada" || q.SortField != "created_at" || q.SortDir != "desc" {
		t.Errorf("query = %+v", q)
	}
	if q.Page != 2 || q.PageSize != maxPageSize {
		t.Errorf("page = %d size = %d", q.Page, q.PageSize)
	}
	if q.Filters["status"] != "Submitted" || q.Filters["domain"] != "all" {
		t.Errorf("filters = %v", q.Filters)
	}

	q = parseListQuery(httptest.NewRequest("GET", "/x?filter[status]=&filter[domain]=vehicle", nil).URL.Query())
	if _, ok := q.Filters["status"]; ok || q.Filters["domain"] != "vehicle" {
		t.Errorf("empty filter value kept: %v", q.Filters)
	}

	q = parseListQuery(httptest.NewRequest("GET", "/x?page=abc", nil).URL.Query())
	if q.Page != 0 || q.PageSize != 10 {
		t.Errorf("defaults = %+v", q)
	}
}
