// Package apiclient is the HTTP client for the news portal REST API. It
// attaches the session's bearer token to outgoing requests and ends the
// session when the API answers an authenticated request with 401.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/szaher/newsdesk/internal/telemetry"
)

// PublicRoute is where a user is sent after the API invalidates the session.
const PublicRoute = "/"

// RequestIDHeader carries the correlation id of each request.
const RequestIDHeader = "X-Request-ID"

// TokenSource supplies the bearer token for a request. An empty token means
// the request goes out unauthenticated.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// Token calls f.
func (f TokenFunc) Token() string { return f() }

// Observer is told about every completed round trip. code is 0 when no
// response arrived.
type Observer interface {
	ObserveRequest(method string, code int, d time.Duration)
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	// Redirect is set when the error ended the session.
	Redirect string `json:"redirect,omitempty"`
	// FromBody is true when Message came from a "message" or "error" field
	// of the response rather than the status text.
	FromBody bool `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithUnauthorizedHandler registers fn to run when a request that carried the
// token source's bearer token is answered with 401. Requests sent WithBearer
// do not trigger it. It is normally the session's Logout.
func WithUnauthorizedHandler(fn func(ctx context.Context) error) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver records request metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// Client talks JSON to the news API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenSource
	onUnauthorized func(ctx context.Context) error
	logger         *slog.Logger
	observer       Observer
	userAgent      string
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		userAgent:  "newsctl",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type requestConfig struct {
	noAuth bool
	bearer string
	query  url.Values
}

// RequestOption adjusts a single request.
type RequestOption func(*requestConfig)

// WithoutAuth sends the request without a bearer token.
func WithoutAuth() RequestOption {
	return func(rc *requestConfig) { rc.noAuth = true }
}

// WithBearer overrides the token source for one request.
func WithBearer(token string) RequestOption {
	return func(rc *requestConfig) { rc.bearer = token }
}

// WithQuery adds query parameters. Empty values are dropped.
func WithQuery(q url.Values) RequestOption {
	return func(rc *requestConfig) {
		if rc.query == nil {
			rc.query = url.Values{}
		}
		for k, vs := range q {
			for _, v := range vs {
				if v != "" {
					rc.query.Add(k, v)
				}
			}
		}
	}
}

// Get issues a GET and decodes the response into result.
func (c *Client) Get(ctx context.Context, path string, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, result, opts...)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, result, opts...)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPut, path, body, result, opts...)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPatch, path, body, result, opts...)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, result any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, path, nil, result, opts...)
}

// Do sends a request and decodes a JSON response into result. result may
// be nil, a *string or *[]byte for raw bodies, or any JSON target.
func (c *Client) Do(ctx context.Context, method, path string, body, result any, opts ...RequestOption) error {
	var rc requestConfig
	for _, opt := range opts {
		opt(&rc)
	}

	target, err := c.resolve(path, rc.query)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	requestID := telemetry.CorrelationID(ctx)
	if requestID == "" {
		requestID = telemetry.NewCorrelationID()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, fromSource := c.bearerFor(rc)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.observe(method, 0, elapsed)
		c.logger.Debug("api request failed", "method", method, "path", path,
			"request_id", requestID, "error", err)
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.observe(method, resp.StatusCode, elapsed)
	c.logger.Debug("api request", "method", method, "path", path,
		"status", resp.StatusCode, "duration", elapsed, "request_id", requestID)

	if resp.StatusCode >= 400 {
		apiErr := decodeError(resp)
		if resp.StatusCode == http.StatusUnauthorized && fromSource && c.onUnauthorized != nil {
			if err := c.onUnauthorized(ctx); err != nil {
				c.logger.Warn("ending session after 401", "error", err)
			}
			apiErr.Redirect = PublicRoute
		}
		return apiErr
	}

	return decodeResult(resp, result)
}

// bearerFor returns the token for a request and whether it came from the
// token source.
func (c *Client) bearerFor(rc requestConfig) (string, bool) {
	switch {
	case rc.noAuth:
		return "", false
	case rc.bearer != "":
		return rc.bearer, false
	case c.tokens != nil:
		token := c.tokens.Token()
		return token, token != ""
	}
	return "", false
}

func (c *Client) observe(method string, code int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, code, d)
	}
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// decodeError builds an APIError from a {"message"} or {"error"} body,
// falling back to the raw text and then the status text.
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
		apiErr.FromBody = apiErr.Message != ""
	}
	if apiErr.Message == "" {
		text := strings.TrimSpace(string(data))
		if text != "" && !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "<") {
			if len(text) > 200 {
				text = text[:200]
			}
			apiErr.Message = text
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func decodeResult(resp *http.Response, result any) error {
	if result == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch out := result.(type) {
	case *[]byte:
		*out = data
		return nil
	case *string:
		*out = string(data)
		return nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
