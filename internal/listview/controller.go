package listview

import (
	"maps"
	"slices"
	"strings"

	"github.com/pitabwire/civicportal/model"
)

// DefaultPageSize is used until SetPageSize is called.
const DefaultPageSize = 10

// Controller holds a collection and the search, filter, sort and page
// state applied to it. The visible page is derived on every read as
//
//	paginate(sort(filter(items)))
//
// Unknown filter or sort fields are ignored rather than reported, so a
// stale query parameter never breaks a listing.
//
// A Controller is not safe for concurrent use; the owner serialises access.
type Controller[T any] struct {
	schema    Schema[T]
	items     []T
	search    string
	filters   map[string]string
	sortField string
	sortDir   string
	page      int
	pageSize  int
	listeners []func()
}

// New creates a controller over a copy of items.
func New[T any](schema Schema[T], items []T) *Controller[T] {
	return &Controller[T]{
		schema:   schema,
		items:    slices.Clone(items),
		filters:  make(map[string]string),
		sortDir:  model.SortAsc,
		pageSize: DefaultPageSize,
	}
}

// SetItems replaces the collection and notifies listeners.
func (c *Controller[T]) SetItems(items []T) {
	c.items = slices.Clone(items)
	c.notify()
}

// Append adds an item to the end of the collection, then notifies
// listeners, so a listener always observes the appended item.
func (c *Controller[T]) Append(item T) {
	c.items = append(c.items, item)
	c.notify()
}

// Items returns a copy of the collection in arrival order.
func (c *Controller[T]) Items() []T {
	return slices.Clone(c.items)
}

// Len returns the size of the unfiltered collection.
func (c *Controller[T]) Len() int {
	return len(c.items)
}

// OnChange registers fn to run after the collection changes. The returned
// function removes the registration.
func (c *Controller[T]) OnChange(fn func()) (remove func()) {
	idx := len(c.listeners)
	c.listeners = append(c.listeners, fn)
	return func() { c.listeners[idx] = nil }
}

func (c *Controller[T]) notify() {
	for _, fn := range c.listeners {
		if fn != nil {
			fn()
		}
	}
}

// SetSearchQuery replaces the free-text search and resets the page.
func (c *Controller[T]) SetSearchQuery(text string) {
	c.search = text
	c.page = 0
}

// SetFilter sets the exact-match filter for a field and resets the page.
// The value "all" removes the filter. Unknown fields are ignored.
func (c *Controller[T]) SetFilter(name, value string) {
	if _, ok := c.schema.Field(name); !ok {
		return
	}
	if value == model.FilterAll {
		delete(c.filters, name)
	} else {
		c.filters[name] = value
	}
	c.page = 0
}

// ClearFilters removes every named filter and resets the page.
func (c *Controller[T]) ClearFilters() {
	clear(c.filters)
	c.page = 0
}

// SetSort orders the view by field. direction is "asc" or "desc"; anything
// else means ascending. An empty field restores arrival order. Unknown
// fields are ignored. The page is kept.
func (c *Controller[T]) SetSort(field, direction string) {
	if field != "" {
		if _, ok := c.schema.Field(field); !ok {
			return
		}
	}
	c.sortField = field
	if strings.EqualFold(direction, model.SortDesc) {
		c.sortDir = model.SortDesc
	} else {
		c.sortDir = model.SortAsc
	}
}

// SetPage moves the cursor. Negative pages are treated as 0.
func (c *Controller[T]) SetPage(n int) {
	c.page = max(n, 0)
}

// SetPageSize changes the page size and resets the page. Sizes below 1
// are ignored.
func (c *Controller[T]) SetPageSize(n int) {
	if n < 1 {
		return
	}
	c.pageSize = n
	c.page = 0
}

// Apply sets the whole query: search, filters, sort, page size and page,
// in that order.
func (c *Controller[T]) Apply(q model.ListQuery) {
	c.SetSearchQuery(q.Search)
	c.ClearFilters()
	for _, name := range slices.Sorted(maps.Keys(q.Filters)) {
		c.SetFilter(name, q.Filters[name])
	}
	c.SetSort(q.SortField, q.SortDir)
	c.SetPageSize(q.PageSize)
	c.SetPage(q.Page)
}

// State returns the current query.
func (c *Controller[T]) State() model.ListQuery {
	return model.ListQuery{
		Search:    c.search,
		Filters:   maps.Clone(c.filters),
		SortField: c.sortField,
		SortDir:   c.sortDir,
		Page:      c.page,
		PageSize:  c.pageSize,
	}
}

// Filtered returns every item passing the search and filters, sorted.
func (c *Controller[T]) Filtered() []T {
	needle := strings.ToLower(c.search)

	out := make([]T, 0, len(c.items))
	for _, item := range c.items {
		if !c.schema.matchesSearch(item, needle) || !c.matchesFilters(item) {
			continue
		}
		out = append(out, item)
	}

	if f, ok := c.schema.Field(c.sortField); ok {
		desc := c.sortDir == model.SortDesc
		slices.SortStableFunc(out, func(a, b T) int {
			if desc {
				return f.compare(b, a)
			}
			return f.compare(a, b)
		})
	}
	return out
}

func (c *Controller[T]) matchesFilters(item T) bool {
	for name, want := range c.filters {
		if c.schema.fields[name].Text(item) != want {
			return false
		}
	}
	return true
}

// VisibleItems returns the current page of the filtered, sorted view. A
// page past the end yields an empty slice.
func (c *Controller[T]) VisibleItems() []T {
	return Paginate(c.Filtered(), c.page, c.pageSize)
}

// Total returns the number of items passing the search and filters.
func (c *Controller[T]) Total() int {
	return len(c.Filtered())
}

// PageCount returns the number of non-empty pages.
func (c *Controller[T]) PageCount() int {
	return pageCount(c.Total(), c.pageSize)
}

func pageCount(total, size int) int {
	n := total / size
	if total%size != 0 {
		n++
	}
	return n
}

// ClampPage moves the cursor back to the last non-empty page when the
// filtered total has shrunk beneath it.
func (c *Controller[T]) ClampPage() {
	if last := c.PageCount() - 1; c.page > last {
		c.page = max(last, 0)
	}
}

// Result returns the visible page together with the filtered total.
func (c *Controller[T]) Result() model.PageResult[T] {
	filtered := c.Filtered()
	return model.PageResult[T]{
		Items:    Paginate(filtered, c.page, c.pageSize),
		Total:    len(filtered),
		Page:     c.page,
		PageSize: c.pageSize,
	}
}

// Paginate returns items[page*size : page*size+size], clipped to the slice.
// Out-of-range pages yield an empty, non-nil slice.
func Paginate[T any](items []T, page, size int) []T {
	if size < 1 || page < 0 {
		return []T{}
	}
	if page >= pageCount(len(items), size) {
		return []T{}
	}
	start := page * size
	end := start + min(size, len(items)-start)
	return slices.Clone(items[start:end])
}
