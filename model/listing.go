package model

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// FilterAll is the filter value that removes a named filter.
const FilterAll = "all"

// ListQuery is the search, filter, sort and pagination input of a list view.
// Page is 0-based.
type ListQuery struct {
	Search    string            `json:"search,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	SortField string            `json:"sort_field,omitempty"`
	SortDir   string            `json:"sort_dir,omitempty"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
}

// PageResult is one page of a list view together with the filtered total.
type PageResult[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}
