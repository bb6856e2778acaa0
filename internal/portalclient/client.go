// Package portalclient is the REST client for the portal API. It carries
// the session's bearer token on every call, decodes the response envelope,
// and protects the server with retries and a circuit breaker.
package portalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/internal/session"
	"github.com/pitabwire/civicportal/model"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// Client calls the portal API.
type Client struct {
	baseURL string
	http    *http.Client
	session *session.Session
	breaker *Breaker
	retry   config.RetryConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records client requests, retries and breaker state.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for cfg.BaseURL that authenticates with sess.
func New(cfg config.ClientConfig, sess *session.Session, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("portalclient: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL: base.String(),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		session: sess,
		breaker: NewBreaker(cfg.CircuitBreaker),
		retry:   cfg.Retry,
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.OnChange(func(s BreakerState) {
		c.metrics.SetClientCircuitBreakerState(float64(s))
		if s == BreakerOpen {
			c.logger.Warn("portal circuit breaker opened")
		}
	})
	return c, nil
}

// Session returns the client's session.
func (c *Client) Session() *session.Session { return c.session }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// call describes one API request. route is the path template used as the
// metrics label.
type call struct {
	method      string
	route       string
	path        string
	query       url.Values
	body        any
	raw         []byte
	contentType string
	header      http.Header
	public      bool
}

// envelope is the wire shape of every API response.
type envelope struct {
	Success bool                 `json:"success"`
	Data    json.RawMessage      `json:"data"`
	Message string               `json:"message"`
	Error   *model.ErrorEnvelope `json:"error"`
}

// do runs c with retries and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	if !cl.public && !c.session.Authenticated() {
		return model.NewUnauthorizedError("Not signed in")
	}

	body := cl.raw
	if cl.body != nil {
		var err error
		if body, err = json.Marshal(cl.body); err != nil {
			return fmt.Errorf("portalclient: marshal body: %w", err)
		}
		cl.contentType = "application/json"
	}

	maxAttempts := max(c.retry.MaxAttempts, 1)
	canRetry := isIdempotentMethod(cl.method) || !c.retry.IdempotentOnly ||
		cl.header.Get("X-Idempotency-Key") != ""

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordClientRetry(cl.method, cl.route)
			if err := c.sleep(ctx, backoff(c.retry, attempt)); err != nil {
				return err
			}
		}

		env, status, err := c.once(ctx, cl, body)
		if err != nil {
			lastErr = transportError(ctx, err)
			if !canRetry || !retryableError(err) {
				return lastErr
			}
			c.logger.Debug("retrying after error",
				zap.String("route", cl.route), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if retryableStatus(status) && canRetry && attempt < maxAttempts-1 {
			lastErr = envelopeError(env, status)
			c.logger.Debug("retrying after status",
				zap.String("route", cl.route), zap.Int("attempt", attempt+1), zap.Int("status", status))
			continue
		}

		if !env.Success || status >= 400 {
			return envelopeError(env, status)
		}
		if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("portalclient: decode %s: %w", cl.route, err)
			}
		}
		return nil
	}
	return lastErr
}

// once performs a single request behind the breaker.
func (c *Client) once(ctx context.Context, cl call, body []byte) (envelope, int, error) {
	if err := c.breaker.Allow(); err != nil {
		return envelope{}, 0, err
	}

	target := c.baseURL + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, reader)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("portalclient: build request: %w", err)
	}
	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	if token := c.session.Token(); token != "" && !cl.public {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordClientRequest(cl.method, cl.route, 0, time.Since(start))
		c.breaker.RecordFailure()
		return envelope{}, 0, fmt.Errorf("portalclient: %s %s: %w", cl.method, cl.route, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordClientRequest(cl.method, cl.route, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return envelope{}, resp.StatusCode, fmt.Errorf("portalclient: read response: %w", err)
	}

	// 4xx answers come from a healthy server and do not count against it.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return envelope{}, resp.StatusCode, fmt.Errorf("portalclient: %s %s: response is not an envelope: %w", cl.method, cl.route, err)
		}
	}
	return env, resp.StatusCode, nil
}

// envelopeError turns a failed envelope into an *ErrorEnvelope, falling
// back to a code derived from the HTTP status.
func envelopeError(env envelope, status int) error {
	if env.Error != nil && env.Error.Code != "" {
		return env.Error
	}
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := model.ErrInternalError
	switch {
	case status == http.StatusUnauthorized:
		code = model.ErrUnauthorized
	case status == http.StatusForbidden:
		code = model.ErrForbidden
	case status == http.StatusNotFound:
		code = model.ErrNotFound
	case status == http.StatusConflict:
		code = model.ErrConflict
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		code = model.ErrBackendUnavailable
	case status == http.StatusGatewayTimeout:
		code = model.ErrBackendTimeout
	case status >= 400 && status < 500:
		code = model.ErrBadRequest
	}
	return &model.ErrorEnvelope{Code: code, Message: msg}
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableError reports whether a transport failure is worth another
// attempt. An open breaker and a cancelled context are final.
func retryableError(err error) bool {
	return !errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// transportError maps a failed round trip to the envelope callers see.
func transportError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrCircuitOpen):
		return model.NewBackendUnavailableError()
	case isTimeout(err):
		return model.NewBackendTimeoutError()
	case isConnectionError(err):
		return model.NewBackendUnavailableError()
	}
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
