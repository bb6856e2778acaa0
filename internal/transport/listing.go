package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pitabwire/civicportal/internal/listview"
	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/model"
)

const maxPageSize = 100

// parseListQuery reads q, filter[name], sort, dir, page and page_size.
// Pages are 0-based; malformed numbers fall back to the defaults. An empty
// filter value is treated as absent.
func parseListQuery(values url.Values) model.ListQuery {
	q := model.ListQuery{
		Search:    strings.TrimSpace(values.Get("q")),
		Filters:   make(map[string]string),
		SortField: values.Get("sort"),
		SortDir:   strings.ToLower(values.Get("dir")),
		Page:      queryInt(values, "page", 0),
		PageSize:  min(queryInt(values, "page_size", listview.DefaultPageSize), maxPageSize),
	}
	for key, vals := range values {
		name, ok := strings.CutPrefix(key, "filter[")
		if !ok || !strings.HasSuffix(name, "]") || len(vals) == 0 || vals[0] == "" {
			continue
		}
		q.Filters[strings.TrimSuffix(name, "]")] = vals[0]
	}
	return q
}

func queryInt(values url.Values, key string, fallback int) int {
	s := values.Get(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// listPage runs items through a list view controller configured from the
// request's query string.
func listPage[T any](r *http.Request, schema listview.Schema[T], items []T) model.PageResult[T] {
	ctrl := listview.New(schema, items)
	ctrl.Apply(parseListQuery(r.URL.Query()))
	return ctrl.Result()
}

// decodeJSON reads the body, checks it against the operation's request
// schema, then decodes it into dst.
func decodeJSON(r *http.Request, contract *openapi.Index, operationID string, dst any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewPayloadTooLargeError(tooLarge.Limit)
		}
		return model.NewBadRequestError("could not read request body")
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	if contract != nil {
		if err := contract.ValidateBody(operationID, raw); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
