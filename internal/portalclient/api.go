package portalclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/model"
)

// IdempotencyKeyHeader carries the client's submission key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// --- auth ---

// Register creates a citizen account. The returned token is not stored;
// call Login to start a session.
func (c *Client) Register(ctx context.Context, reg model.Registration) (model.Token, error) {
	var tok model.Token
	err := c.do(ctx, call{method: http.MethodPost, route: "/api/auth/register", path: "/api/auth/register", body: reg, public: true}, &tok)
	return tok, err
}

// Login exchanges credentials for a token and persists it in the session.
func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.Token, error) {
	var tok model.Token
	if err := c.do(ctx, call{method: http.MethodPost, route: "/api/auth/login", path: "/api/auth/login", body: creds, public: true}, &tok); err != nil {
		return model.Token{}, err
	}
	if err := c.session.Login(ctx, tok.AccessToken); err != nil {
		return model.Token{}, fmt.Errorf("portalclient: saving session: %w", err)
	}
	return tok, nil
}

// Logout ends the session. Tokens are stateless so the server is not
// called.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// ChangePassword updates the signed-in citizen's password.
func (c *Client) ChangePassword(ctx context.Context, pc model.PasswordChange) error {
	return c.do(ctx, call{method: http.MethodPut, route: "/api/change-password", path: "/api/change-password", body: pc}, nil)
}

// --- catalog ---

// Services lists catalog services.
func (c *Client) Services(ctx context.Context, q model.ListQuery) (model.PageResult[model.ServiceDefinition], error) {
	var page model.PageResult[model.ServiceDefinition]
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/services", path: "/api/services", query: listQueryValues(q), public: true}, &page)
	return page, err
}

// Service returns one catalog service.
func (c *Client) Service(ctx context.Context, id string) (model.ServiceDefinition, error) {
	var def model.ServiceDefinition
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/services/{serviceId}", path: "/api/services/" + url.PathEscape(id), public: true}, &def)
	return def, err
}

// --- profile ---

// Profile returns the signed-in citizen's profile.
func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/profile", path: "/api/profile"}, &p)
	return p, err
}

// UpdateProfile applies a partial profile update.
func (c *Client) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, call{method: http.MethodPut, route: "/api/profile", path: "/api/profile", body: upd}, &p)
	return p, err
}

// SavePreferences replaces the notification preferences.
func (c *Client) SavePreferences(ctx context.Context, prefs model.NotificationPrefs) (model.NotificationPrefs, error) {
	p, err := c.UpdateProfile(ctx, model.ProfileUpdate{Preferences: &prefs})
	if err != nil {
		return model.NotificationPrefs{}, err
	}
	return p.Preferences, nil
}

// UploadPicture replaces the profile picture.
func (c *Client) UploadPicture(ctx context.Context, filename string, r io.Reader) (model.Profile, error) {
	body, contentType, err := multipartBody("picture", filename, r)
	if err != nil {
		return model.Profile{}, err
	}
	var p model.Profile
	err = c.do(ctx, call{method: http.MethodPost, route: "/api/profile/picture", path: "/api/profile/picture", raw: body, contentType: contentType}, &p)
	return p, err
}

// UploadDocument stores a supporting document.
func (c *Client) UploadDocument(ctx context.Context, filename string, r io.Reader) (model.Document, error) {
	body, contentType, err := multipartBody("document", filename, r)
	if err != nil {
		return model.Document{}, err
	}
	var doc model.Document
	err = c.do(ctx, call{method: http.MethodPost, route: "/api/profile/documents", path: "/api/profile/documents", raw: body, contentType: contentType}, &doc)
	return doc, err
}

// Documents lists uploaded documents.
func (c *Client) Documents(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/profile/documents", path: "/api/profile/documents"}, &docs)
	return docs, err
}

// --- applications ---

// MyApplications returns one page of the citizen's records.
func (c *Client) MyApplications(ctx context.Context, q model.ListQuery) (model.PageResult[model.Record], error) {
	var page model.PageResult[model.Record]
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/profile/applications", path: "/api/profile/applications", query: listQueryValues(q)}, &page)
	return page, err
}

// AllMyApplications walks every page of the citizen's records.
func (c *Client) AllMyApplications(ctx context.Context) ([]model.Record, error) {
	q := model.ListQuery{PageSize: maxPageSize}
	var all []model.Record
	for {
		page, err := c.MyApplications(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if len(page.Items) == 0 || len(all) >= page.Total {
			return all, nil
		}
		q.Page++
	}
}

// Application returns one of the citizen's records.
func (c *Client) Application(ctx context.Context, id string) (model.Record, error) {
	var rec model.Record
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/applications/{id}", path: "/api/applications/" + url.PathEscape(id)}, &rec)
	return rec, err
}

// History returns a record's audit trail.
func (c *Client) History(ctx context.Context, id string) ([]model.RecordEvent, error) {
	var events []model.RecordEvent
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/applications/{id}/history", path: "/api/applications/" + url.PathEscape(id) + "/history"}, &events)
	return events, err
}

// Submit files an application. A non-empty key makes the call idempotent,
// so it is retried like a GET and a replay returns the original record.
func (c *Client) Submit(ctx context.Context, req application.SubmitRequest, key string) (model.Record, error) {
	cl := call{method: http.MethodPost, route: "/api/applications", path: "/api/applications", body: req}
	if key != "" {
		cl.header = http.Header{IdempotencyKeyHeader: []string{key}}
	}
	var rec model.Record
	err := c.do(ctx, cl, &rec)
	return rec, err
}

// Pay settles a record's fee.
func (c *Client) Pay(ctx context.Context, id string, req application.PaymentRequest) (model.Record, error) {
	var rec model.Record
	err := c.do(ctx, call{method: http.MethodPost, route: "/api/applications/{id}/payment", path: "/api/applications/" + url.PathEscape(id) + "/payment", body: req}, &rec)
	return rec, err
}

// --- notifications ---

// Notifications returns one page of in-app notifications, newest first.
func (c *Client) Notifications(ctx context.Context, q model.ListQuery) (model.PageResult[model.Notification], error) {
	var page model.PageResult[model.Notification]
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/profile/notifications", path: "/api/profile/notifications", query: listQueryValues(q)}, &page)
	return page, err
}

// MarkNotification sets a notification's read flag.
func (c *Client) MarkNotification(ctx context.Context, id string, read bool) (model.Notification, error) {
	var n model.Notification
	err := c.do(ctx, call{
		method: http.MethodPut,
		route:  "/api/profile/notifications/{id}",
		path:   "/api/profile/notifications/" + url.PathEscape(id),
		body:   map[string]bool{"read": read},
	}, &n)
	return n, err
}

// DeleteNotification removes a notification.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, call{method: http.MethodDelete, route: "/api/profile/notifications/{id}", path: "/api/profile/notifications/" + url.PathEscape(id)}, nil)
}

// --- admin ---

// AdminApplications lists every record. Requires the review role.
func (c *Client) AdminApplications(ctx context.Context, q model.ListQuery) (model.PageResult[model.Record], error) {
	var page model.PageResult[model.Record]
	err := c.do(ctx, call{method: http.MethodGet, route: "/api/admin/applications", path: "/api/admin/applications", query: listQueryValues(q)}, &page)
	return page, err
}

// Transition moves a record to a new status.
func (c *Client) Transition(ctx context.Context, id string, req application.TransitionRequest) (model.Record, error) {
	var rec model.Record
	err := c.do(ctx, call{method: http.MethodPost, route: "/api/admin/applications/{id}/transition", path: "/api/admin/applications/" + url.PathEscape(id) + "/transition", body: req}, &rec)
	return rec, err
}

// maxPageSize is the largest page the server returns.
const maxPageSize = 100

// listQueryValues encodes q the way the list endpoints parse it.
func listQueryValues(q model.ListQuery) url.Values {
	v := url.Values{}
	if q.Search != "" {
		v.Set("q", q.Search)
	}
	for name, value := range q.Filters {
		v.Set("filter["+name+"]", value)
	}
	if q.SortField != "" {
		v.Set("sort", q.SortField)
		if q.SortDir != "" {
			v.Set("dir", q.SortDir)
		}
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	return v
}

func multipartBody(field, filename string, r io.Reader) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", fmt.Errorf("portalclient: building upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, "", fmt.Errorf("portalclient: reading upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("portalclient: building upload: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
