// Package listview implements a searchable, filterable, sortable and
// paginated view over an in-memory collection. The derived page is
// recomputed from the collection on every read and the collection itself
// is never reordered or mutated by the view.
package listview

import (
	"cmp"
	"strings"
	"time"
)

// Kind selects how a field compares when sorting.
type Kind int

const (
	// KindString compares lexicographically.
	KindString Kind = iota
	// KindTime compares chronologically.
	KindTime
)

// Field describes one named attribute of T.
type Field[T any] struct {
	Name string
	Kind Kind
	// Text returns the value used for search, filters and string sorting.
	Text func(T) string
	// Time returns the value used for chronological sorting. Required for
	// KindTime fields.
	Time func(T) time.Time
}

// StringField declares a string field.
func StringField[T any](name string, text func(T) string) Field[T] {
	return Field[T]{Name: name, Kind: KindString, Text: text}
}

// TimeField declares a time field. Its text form, used by filters, is
// RFC 3339.
func TimeField[T any](name string, value func(T) time.Time) Field[T] {
	return Field[T]{
		Name: name,
		Kind: KindTime,
		Time: value,
		Text: func(item T) string { return value(item).Format(time.RFC3339) },
	}
}

// Schema is the set of fields a controller can search, filter and sort on.
type Schema[T any] struct {
	fields map[string]Field[T]
	search []string
}

// NewSchema builds a schema from fields. searchFields names the fields the
// free-text search looks at; unknown names are dropped.
func NewSchema[T any](fields []Field[T], searchFields ...string) Schema[T] {
	s := Schema[T]{fields: make(map[string]Field[T], len(fields))}
	for _, f := range fields {
		s.fields[f.Name] = f
	}
	for _, name := range searchFields {
		if f, ok := s.fields[name]; ok && f.Text != nil {
			s.search = append(s.search, name)
		}
	}
	return s
}

// Field returns the named field.
func (s Schema[T]) Field(name string) (Field[T], bool) {
	f, ok := s.fields[name]
	return f, ok
}

func (s Schema[T]) matchesSearch(item T, needle string) bool {
	if needle == "" {
		return true
	}
	for _, name := range s.search {
		if strings.Contains(strings.ToLower(s.fields[name].Text(item)), needle) {
			return true
		}
	}
	return false
}

func (f Field[T]) compare(a, b T) int {
	if f.Kind == KindTime && f.Time != nil {
		return f.Time(a).Compare(f.Time(b))
	}
	return cmp.Compare(f.Text(a), f.Text(b))
}
