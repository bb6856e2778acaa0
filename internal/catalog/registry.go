package catalog

import (
	"cmp"
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/civicportal/model"
)

// snapshot is an immutable view of the loaded catalog.
type snapshot struct {
	catalogs map[string]model.CatalogDefinition
	services map[string]model.ServiceDefinition
	ordered  []model.ServiceDefinition
	checksum string
}

// Registry is a read-optimized, thread-safe store of the service catalog.
// Reads are lock-free; Replace swaps the whole snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given catalogs.
func NewRegistry(defs []model.CatalogDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(defs []model.CatalogDefinition) {
	s := &snapshot{
		catalogs: make(map[string]model.CatalogDefinition, len(defs)),
		services: make(map[string]model.ServiceDefinition),
	}

	var checksumParts []string
	for _, def := range defs {
		s.catalogs[def.Category] = def
		checksumParts = append(checksumParts, def.Checksum)
		for _, svc := range def.Services {
			s.services[svc.ID] = svc
		}
	}

	s.ordered = make([]model.ServiceDefinition, 0, len(s.services))
	for _, svc := range s.services {
		s.ordered = append(s.ordered, svc)
	}
	slices.SortFunc(s.ordered, func(a, b model.ServiceDefinition) int {
		return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.ID, b.ID))
	})

	slices.Sort(checksumParts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Service returns the service with the given ID.
func (r *Registry) Service(id string) (model.ServiceDefinition, bool) {
	s, ok := r.current().services[id]
	return s, ok
}

// Category returns the catalog file for a category.
func (r *Registry) Category(name string) (model.CatalogDefinition, bool) {
	c, ok := r.current().catalogs[name]
	return c, ok
}

// Services returns every service ordered by category, then ID.
func (r *Registry) Services() []model.ServiceDefinition {
	return slices.Clone(r.current().ordered)
}

// Categories returns the category names in sorted order.
func (r *Registry) Categories() []string {
	s := r.current()
	out := make([]string, 0, len(s.catalogs))
	for name := range s.catalogs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of services.
func (r *Registry) Len() int {
	return len(r.current().services)
}

// Checksum returns the combined checksum of all loaded catalog files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
