package portalclient

import (
	"context"
	"errors"
	"sync"

	"github.com/pitabwire/civicportal/internal/listview"
	"github.com/pitabwire/civicportal/model"
)

// LoadState is the fetch state of a view.
type LoadState int

const (
	LoadIdle LoadState = iota
	LoadLoading
	LoadReady
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadIdle:
		return "idle"
	case LoadLoading:
		return "loading"
	case LoadReady:
		return "ready"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrLoadInFlight is returned by Load while a previous load runs.
	ErrLoadInFlight = errors.New("portalclient: load already in progress")
	// ErrViewClosed is returned once the view has been closed.
	ErrViewClosed = errors.New("portalclient: view closed")
)

// FetchFunc loads the full collection behind a view.
type FetchFunc func(ctx context.Context) ([]model.Record, error)

// ApplicationsView is the citizen's application list: a list view over
// records fetched from the API. A failed fetch leaves the current items
// in place and is reported through State. Safe for concurrent use.
type ApplicationsView struct {
	mu      sync.Mutex
	list    *listview.Controller[model.Record]
	fetch   FetchFunc
	state   LoadState
	lastErr error
	closed  bool
	// arrived holds records appended while a load is in flight; the fetched
	// snapshot may predate them.
	arrived []model.Record
}

// NewApplicationsView creates an idle, empty view.
func NewApplicationsView(fetch FetchFunc) *ApplicationsView {
	return &ApplicationsView{
		list:  listview.New(listview.RecordSchema(), nil),
		fetch: fetch,
	}
}

// MyApplicationsView is a view over every record of the signed-in citizen.
func MyApplicationsView(c *Client) *ApplicationsView {
	return NewApplicationsView(c.AllMyApplications)
}

// Load fetches the collection. Only one load runs at a time; results
// arriving after Close are dropped.
func (v *ApplicationsView) Load(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if v.state == LoadLoading {
		v.mu.Unlock()
		return ErrLoadInFlight
	}
	v.state = LoadLoading
	v.arrived = nil
	v.mu.Unlock()

	items, err := v.fetch(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	arrived := v.arrived
	v.arrived = nil
	if v.closed {
		return ErrViewClosed
	}
	if err != nil {
		v.state = LoadFailed
		v.lastErr = err
		return err
	}
	v.list.SetItems(mergeArrived(items, arrived))
	// A reload can shrink the collection beneath the cursor.
	v.list.ClampPage()
	v.state = LoadReady
	v.lastErr = nil
	return nil
}

// Append adds a freshly submitted record. It is the wizard's append
// callback.
func (v *ApplicationsView) Append(rec model.Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if v.state == LoadLoading {
		v.arrived = append(v.arrived, rec)
	}
	v.list.Append(rec)
}

// mergeArrived appends the records from arrived that the fetched snapshot
// does not already contain.
func mergeArrived(items, arrived []model.Record) []model.Record {
	if len(arrived) == 0 {
		return items
	}
	seen := make(map[string]struct{}, len(items))
	for _, rec := range items {
		seen[rec.ID] = struct{}{}
	}
	for _, rec := range arrived {
		if _, ok := seen[rec.ID]; !ok {
			items = append(items, rec)
			seen[rec.ID] = struct{}{}
		}
	}
	return items
}

// Apply replaces the search, filter, sort and page state.
func (v *ApplicationsView) Apply(q model.ListQuery) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.list.Apply(q)
}

// Query returns the current list state.
func (v *ApplicationsView) Query() model.ListQuery {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.list.State()
}

// Result returns the visible page.
func (v *ApplicationsView) Result() model.PageResult[model.Record] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.list.Result()
}

// Items returns every loaded record in arrival order.
func (v *ApplicationsView) Items() []model.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.list.Items()
}

// State returns the load state and, when failed, the last fetch error.
func (v *ApplicationsView) State() (LoadState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.lastErr
}

// Close detaches the view. Pending loads are discarded.
func (v *ApplicationsView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}
