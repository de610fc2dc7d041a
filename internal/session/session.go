// Package session holds the authentication state of a running newsdesk
// client: the bearer token issued by the remote auth API and the principal
// it belongs to.
package session

import (
	"context"
	"errors"
)

// Keys under which the session is persisted.
const (
	KeyToken     = "token"
	KeyPrincipal = "admin"
)

// DefaultFailureMessage is reported when a login fails without a message
// from the remote API.
const DefaultFailureMessage = "Login failed"

// Status values.
const (
	StatusUnauthenticated = "unauthenticated"
	StatusAuthenticated   = "authenticated"
)

// ErrLoginInProgress is returned when Login is called while another login
// is still waiting on the remote API.
var ErrLoginInProgress = errors.New("login already in progress")

// Principal is the minimal identity of the logged-in user, used for display
// only.
type Principal struct {
	DisplayName string `json:"fullName"`
}

// State is a snapshot of the session.
type State struct {
	Authenticated bool
	Principal     *Principal
}

// Status returns the state name.
func (s State) Status() string {
	if s.Authenticated {
		return StatusAuthenticated
	}
	return StatusUnauthenticated
}

// Credentials are passed through to the Authenticator unvalidated.
type Credentials struct {
	Identifier string
	Secret     string
}

// Grant is what a successful authentication yields.
type Grant struct {
	Token     string
	Principal Principal
}

// Result reports the outcome of Login.
type Result struct {
	Success bool
	Message string
	// Err is the underlying failure, nil on success.
	Err error
}

// Authenticator exchanges credentials for a Grant.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Grant, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (Grant, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (Grant, error) {
	return f(ctx, creds)
}

// RejectedError means the remote API declined the credentials.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "credentials rejected"
	}
	return "credentials rejected: " + e.Message
}

// RemoteError is a login failure that is not a rejection but for which the
// remote API still supplied a message, e.g. a 5xx with {"message": ...}.
type RemoteError struct {
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return "login failed: " + e.Message
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Recorder receives session events for metrics.
type Recorder interface {
	SessionTransition(to, reason string)
	LoginAttempt(result string)
}

type nopRecorder struct{}

func (nopRecorder) SessionTransition(string, string) {}
func (nopRecorder) LoginAttempt(string)              {}

// failureMessage picks the message shown to the user for a failed login.
func failureMessage(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Message != "" {
		return rejected.Message
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	return DefaultFailureMessage
}
