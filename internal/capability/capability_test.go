package capability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		Roles:     roles,
	}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testRctx("clerk"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	if !caps.Has(model.CapApplicationsListAll) {
		t.Error("clerk should have applications:list:all")
	}
	if caps.Has(model.CapApplicationsReview) {
		t.Error("clerk should not have applications:review")
	}
}

func TestStaticPolicyEvaluator_MultipleRoles(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("clerk", "reviewer"))

	if !caps.HasAll(model.CapApplicationsListAll, model.CapApplicationsReview) {
		t.Errorf("combined roles = %v, want list and review", caps)
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("supervisor"))

	if !caps.Has(model.CapApplicationsReview) {
		t.Error("supervisor with applications:* should match applications:review")
	}
	if caps.Has(model.CapProfileManage) {
		t.Error("applications:* must not match profile:manage")
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("nonexistent"))

	if len(caps) != 0 {
		t.Errorf("unknown role should return empty capabilities, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_Evaluate(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	ok, err := e.Evaluate(testRctx("reviewer"), model.CapApplicationsReview)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !ok {
		t.Error("Evaluate(applications:review) = false, want true")
	}

	ok, _ = e.Evaluate(testRctx("clerk"), model.CapApplicationsReview)
	if ok {
		t.Error("Evaluate(applications:review) = true, want false for clerk")
	}
}

func TestStaticPolicyEvaluator_DefaultPolicy(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator(\"\") error = %v", err)
	}

	tests := []struct {
		role string
		cap  string
		want bool
	}{
		{model.RoleCitizen, model.CapApplicationsSubmit, true},
		{model.RoleCitizen, model.CapProfileManage, true},
		{model.RoleCitizen, model.CapApplicationsReview, false},
		{model.RoleCitizen, model.CapApplicationsListAll, false},
		{model.RoleOfficial, model.CapApplicationsReview, true},
		{model.RoleOfficial, model.CapApplicationsListAll, true},
		{model.RoleOfficial, model.CapApplicationsSubmit, false},
		{model.RoleAdmin, model.CapApplicationsReview, true},
		{model.RoleAdmin, model.CapApplicationsSubmit, true},
	}
	for _, tt := range tests {
		got, _ := e.Evaluate(testRctx(tt.role), tt.cap)
		if got != tt.want {
			t.Errorf("%s has %s = %v, want %v", tt.role, tt.cap, got, tt.want)
		}
	}
	if len(e.Roles()) != 3 {
		t.Errorf("Roles() = %v, want 3 roles", e.Roles())
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	r := NewResolver(e, 5*time.Minute, 0)

	rctx := testRctx("clerk")

	caps1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has(model.CapApplicationsListAll) {
		t.Error("should have applications:list:all")
	}

	caps2, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps2.Has(model.CapApplicationsListAll) {
		t.Error("cached result should have applications:list:all")
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapProfileManage: true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0)
	rctx := testRctx(model.RoleCitizen)

	r.Resolve(rctx)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("someone-else")
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after unrelated invalidate, want 1", callCount)
	}

	r.Invalidate("user-1")
	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_rolesArePartOfKey(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0)

	r.Resolve(testRctx("a", "b"))
	r.Resolve(testRctx("b", "a"))
	if callCount != 1 {
		t.Fatalf("role order should not matter, callCount = %d", callCount)
	}
	r.Resolve(testRctx("a"))
	if callCount != 2 {
		t.Fatalf("different roles should miss the cache, callCount = %d", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(mock, time.Minute, 0)
	r.now = func() time.Time { return now }
	rctx := testRctx()

	r.Resolve(rctx)
	now = now.Add(2 * time.Minute)
	r.Resolve(rctx)

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_MaxEntries(t *testing.T) {
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Hour, 2)
	for _, sub := range []string{"a", "b", "c", "d"} {
		r.Resolve(&model.RequestContext{SubjectID: sub})
	}
	if r.Len() > 2 {
		t.Errorf("Len() = %d, want at most 2", r.Len())
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

func (m *mockEvaluator) Sync() error { return nil }

func TestResolver_recordsCacheMetrics(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	m := observability.InitMetrics(prometheus.NewRegistry())
	r := NewResolver(e, time.Minute, 0).WithMetrics(m)

	for range 3 {
		if _, err := r.Resolve(testRctx(model.RoleCitizen)); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}

	if misses := testutil.ToFloat64(m.CapabilityCacheMissesTotal); misses != 1 {
		t.Errorf("misses = %v, want 1", misses)
	}
	if hits := testutil.ToFloat64(m.CapabilityCacheHitsTotal); hits != 2 {
		t.Errorf("hits = %v, want 2", hits)
	}
}
