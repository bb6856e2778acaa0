package portalclient

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/civicportal/model"
)

func records(names ...string) []model.Record {
	out := make([]model.Record, len(names))
	for i, n := range names {
		out[i] = model.Record{ID: n, ApplicantName: n, Status: model.StatusSubmitted}
	}
	return out
}

func TestApplicationsView_loadStates(t *testing.T) {
	fail := errors.New("network down")
	var next error
	v := NewApplicationsView(func(context.Context) ([]model.Record, error) {
		if next != nil {
			return nil, next
		}
		return records("Alice", "Bob"), nil
	})

	if st, err := v.State(); st != LoadIdle || err != nil {
		t.Fatalf("initial state = %v, %v", st, err)
	}

	if err := v.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st, _ := v.State(); st != LoadReady {
		t.Errorf("state = %v, want ready", st)
	}
	if got := v.Result().Total; got != 2 {
		t.Errorf("Total = %d, want 2", got)
	}

	next = fail
	if err := v.Load(context.Background()); !errors.Is(err, fail) {
		t.Fatalf("Load() = %v, want %v", err, fail)
	}
	st, err := v.State()
	if st != LoadFailed || !errors.Is(err, fail) {
		t.Errorf("state = %v, %v; want failed with the fetch error", st, err)
	}
	if got := len(v.Items()); got != 2 {
		t.Errorf("failed reload changed items: len = %d, want 2", got)
	}
}

func TestApplicationsView_loadInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	v := NewApplicationsView(func(ctx context.Context) ([]model.Record, error) {
		close(started)
		<-release
		return records("Alice"), nil
	})

	done := make(chan error, 1)
	go func() { done <- v.Load(context.Background()) }()
	<-started

	if st, _ := v.State(); st != LoadLoading {
		t.Errorf("state = %v, want loading", st)
	}
	if err := v.Load(context.Background()); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("second Load() = %v, want ErrLoadInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestApplicationsView_appendDuringLoadSurvives(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	v := NewApplicationsView(func(ctx context.Context) ([]model.Record, error) {
		close(started)
		<-release
		return records("old", "seen"), nil
	})

	done := make(chan error, 1)
	go func() { done <- v.Load(context.Background()) }()
	<-started
	v.Append(records("fresh")[0])
	v.Append(records("seen")[0])
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var ids []string
	for _, r := range v.Items() {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "old" || ids[1] != "seen" || ids[2] != "fresh" {
		t.Errorf("items = %v, want [old seen fresh]", ids)
	}
}

func TestApplicationsView_closeDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	v := NewApplicationsView(func(ctx context.Context) ([]model.Record, error) {
		close(started)
		<-release
		return records("Alice"), nil
	})

	done := make(chan error, 1)
	go func() { done <- v.Load(context.Background()) }()
	<-started
	v.Close()
	close(release)

	if err := <-done; !errors.Is(err, ErrViewClosed) {
		t.Errorf("Load() = %v, want ErrViewClosed", err)
	}
	if len(v.Items()) != 0 {
		t.Error("closed view accepted a late result")
	}
	v.Append(records("Bob")[0])
	if len(v.Items()) != 0 {
		t.Error("closed view accepted an append")
	}
}

func TestApplicationsView_queryAndAppend(t *testing.T) {
	v := NewApplicationsView(func(context.Context) ([]model.Record, error) {
		recs := records("Alice", "Bob")
		recs[0].Status = model.StatusApproved
		return recs, nil
	})
	if err := v.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	v.Apply(model.ListQuery{Filters: map[string]string{"status": string(model.StatusSubmitted)}})
	res := v.Result()
	if res.Total != 1 || res.Items[0].ApplicantName != "Bob" {
		t.Fatalf("filtered result = %+v", res)
	}

	v.Append(records("Chidi")[0])
	if got := v.Result().Total; got != 2 {
		t.Errorf("Total after append = %d, want 2", got)
	}
	if q := v.Query(); q.Filters["status"] != string(model.StatusSubmitted) {
		t.Errorf("Query() lost the filter: %+v", q)
	}

	v.Apply(model.ListQuery{SortField: "applicant_name", PageSize: 1, Page: 5})
	if res := v.Result(); len(res.Items) != 0 || res.Total != 3 {
		t.Errorf("page past the end = %+v, want empty with total 3", res)
	}
}

func TestLoadState_String(t *testing.T) {
	for s, want := range map[LoadState]string{
		LoadIdle: "idle", LoadLoading: "loading", LoadReady: "ready", LoadFailed: "failed", LoadState(7): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
