// Package authapi wraps the /auth endpoints of the news API and implements
// session.Authenticator on top of them.
package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/szaher/newsdesk/internal/apiclient"
	"github.com/szaher/newsdesk/internal/session"
)

// Profile is the admin account as returned by /auth/profile.
type Profile struct {
	ID       int64  `json:"id,omitempty"`
	FullName string `json:"fullName,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName picks the best human-readable name.
func (p Profile) DisplayName() string {
	for _, s := range []string{p.FullName, p.Username, p.Email} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Stats are the dashboard counters from /auth/views.
type Stats struct {
	TotalArticles     int64 `json:"totalArticles"`
	TotalViews        int64 `json:"totalViews"`
	ViewsToday        int64 `json:"viewsToday"`
	PublishedArticles int64 `json:"publishedArticles"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status  bool               `json:"status"`
	Message string             `json:"message"`
	JWT     string             `json:"jwt"`
	Token   string             `json:"token"`
	Admin   *session.Principal `json:"admin"`
	Data    *struct {
		Token string             `json:"token"`
		Admin *session.Principal `json:"admin"`
	} `json:"data"`
}

func (r loginResponse) token() string {
	switch {
	case r.JWT != "":
		return r.JWT
	case r.Token != "":
		return r.Token
	case r.Data != nil:
		return r.Data.Token
	}
	return ""
}

func (r loginResponse) principal() string {
	if r.Admin != nil && r.Admin.DisplayName != "" {
		return r.Admin.DisplayName
	}
	if r.Data != nil && r.Data.Admin != nil {
		return r.Data.Admin.DisplayName
	}
	return ""
}

// Client calls the auth endpoints.
type Client struct {
	api    *apiclient.Client
	logger *slog.Logger
}

// New creates an auth API client.
func New(api *apiclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, logger: logger}
}

// Authenticate posts the credentials to /auth/login. A declined login (4xx or
// status false) is reported as *session.RejectedError, a 5xx as
// *session.RemoteError. Either carries the API's message only when the
// response body supplied one.
func (c *Client) Authenticate(ctx context.Context, creds session.Credentials) (session.Grant, error) {
	var resp loginResponse
	err := c.api.Post(ctx, "/auth/login",
		loginRequest{Username: creds.Identifier, Password: creds.Secret},
		&resp, apiclient.WithoutAuth())
	if err != nil {
		var apiErr *apiclient.APIError
		if !errors.As(err, &apiErr) {
			return session.Grant{}, fmt.Errorf("login: %w", err)
		}
		var message string
		if apiErr.FromBody {
			message = apiErr.Message
		}
		if apiErr.StatusCode < http.StatusInternalServerError {
			return session.Grant{}, &session.RejectedError{Message: message}
		}
		return session.Grant{}, &session.RemoteError{Message: message, Err: err}
	}

	if !resp.Status {
		return session.Grant{}, &session.RejectedError{Message: resp.Message}
	}
	token := resp.token()
	if token == "" {
		return session.Grant{}, errors.New("login: response carried no token")
	}

	name := resp.principal()
	if name == "" {
		name = nameFromClaims(token)
	}
	if name == "" {
		name = c.nameFromProfile(ctx, token)
	}
	if name == "" {
		name = creds.Identifier
	}

	return session.Grant{Token: token, Principal: session.Principal{DisplayName: name}}, nil
}

func (c *Client) nameFromProfile(ctx context.Context, token string) string {
	var p Profile
	if err := c.getUnwrapped(ctx, "/auth/profile", &p, apiclient.WithBearer(token)); err != nil {
		c.logger.Debug("profile lookup after login failed", "error", err)
		return ""
	}
	return p.DisplayName()
}

// Logout tells the API the token is no longer in use.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.api.Post(ctx, "/auth/logout", nil, nil); err != nil {
		return fmt.Errorf("remote logout: %w", err)
	}
	return nil
}

// Profile fetches the logged-in admin's profile.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.getUnwrapped(ctx, "/auth/profile", &p); err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpdateProfile replaces the admin's profile and returns the stored copy.
func (c *Client) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	var raw json.RawMessage
	if err := c.api.Put(ctx, "/auth/profile", p, &raw); err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	out := p
	if err := unwrap(raw, &out); err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return out, nil
}

// Stats fetches dashboard counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := c.getUnwrapped(ctx, "/auth/views", &s); err != nil {
		return Stats{}, fmt.Errorf("get stats: %w", err)
	}
	return s, nil
}

func (c *Client) getUnwrapped(ctx context.Context, path string, out any, opts ...apiclient.RequestOption) error {
	var raw json.RawMessage
	if err := c.api.Get(ctx, path, &raw, opts...); err != nil {
		return err
	}
	return unwrap(raw, out)
}

// unwrap decodes raw into out, looking inside a {"data": ...} envelope when
// there is one.
func unwrap(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(raw, &env) == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// nameFromClaims reads a display name from the token's claims without
// verifying the signature; the name is only used for display.
func nameFromClaims(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, key := range []string{"fullName", "name", "sub"} {
		if s, ok := claims[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// TokenExpiry returns the token's exp claim, if it is a JWT carrying one.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
