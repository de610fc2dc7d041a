package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/szaher/newsdesk/internal/storage"
)

// DefaultLoginTimeout bounds a single Login call.
const DefaultLoginTimeout = 30 * time.Second

// Store owns the session. It is safe for concurrent use; create one per
// process and pass it to whatever needs it.
type Store struct {
	backend      storage.Backend
	auth         Authenticator
	logger       *slog.Logger
	recorder     Recorder
	loginTimeout time.Duration
	onToken      func(string)

	// login admits one in-flight Login at a time.
	login *semaphore.Weighted

	// transition serializes state changes together with their
	// notifications so subscribers see them in order.
	transition sync.Mutex

	mu        sync.RWMutex
	token     string
	principal *Principal

	subMu  sync.Mutex
	subs   []subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn func(State)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLoginTimeout bounds how long Login waits for the Authenticator. Zero
// or negative disables the bound.
func WithLoginTimeout(d time.Duration) Option {
	return func(s *Store) { s.loginTimeout = d }
}

// WithRecorder reports transitions and login attempts.
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithTokenHook is called with every token the store adopts, e.g. to
// register it for log redaction.
func WithTokenHook(fn func(token string)) Option {
	return func(s *Store) { s.onToken = fn }
}

// NewStore creates an unauthenticated store. Call Initialize before use.
func NewStore(backend storage.Backend, auth Authenticator, opts ...Option) *Store {
	s := &Store{
		backend:      backend,
		auth:         auth,
		logger:       slog.Default(),
		recorder:     nopRecorder{},
		loginTimeout: DefaultLoginTimeout,
		login:        semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize hydrates the session from storage and notifies subscribers.
// Malformed persisted data is discarded; read failures leave the session
// unauthenticated. It never fails.
func (s *Store) Initialize(ctx context.Context) State {
	s.transition.Lock()
	defer s.transition.Unlock()

	token, principal := s.hydrate(ctx)
	changed := s.set(token, principal)
	st := s.State()
	if changed && st.Authenticated {
		s.recorder.SessionTransition(StatusAuthenticated, "restore")
	}
	s.notify(st)
	return st
}

// Reload re-reads storage and applies the result, notifying subscribers
// only when the session changed. It is used to pick up logins and logouts
// made by another process sharing the same storage.
func (s *Store) Reload(ctx context.Context) State {
	s.transition.Lock()
	defer s.transition.Unlock()

	token, principal := s.hydrate(ctx)
	st := s.State()
	if s.set(token, principal) {
		st = s.State()
		s.recorder.SessionTransition(st.Status(), "sync")
		s.logger.Info("session changed externally", "status", st.Status())
		s.notify(st)
	}
	return st
}

// hydrate reads the persisted session as one snapshot, so a login committed
// by another process is seen whole or not at all. A partial or undecodable
// pair is deleted. Callers hold s.transition.
func (s *Store) hydrate(ctx context.Context) (string, *Principal) {
	values, err := s.backend.GetMany(ctx, KeyToken, KeyPrincipal)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrCorrupt):
		s.discard(ctx, err.Error())
		return "", nil
	default:
		s.logger.Warn("reading persisted session", "error", err)
		return "", nil
	}

	token, tokenOK := values[KeyToken]
	raw, rawOK := values[KeyPrincipal]
	if !tokenOK && !rawOK {
		return "", nil
	}
	if tokenOK != rawOK {
		s.discard(ctx, "token and principal must be stored together")
		return "", nil
	}
	if strings.TrimSpace(token) == "" {
		s.discard(ctx, "empty token")
		return "", nil
	}

	var p Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.discard(ctx, "principal is not valid JSON")
		return "", nil
	}
	if p.DisplayName == "" {
		s.discard(ctx, "principal has no display name")
		return "", nil
	}
	if s.onToken != nil {
		s.onToken(token)
	}
	return token, &p
}

func (s *Store) discard(ctx context.Context, reason string) {
	s.logger.Debug("discarding malformed persisted session", "reason", reason)
	if err := s.backend.Delete(ctx, KeyToken, KeyPrincipal); err != nil {
		s.logger.Warn("deleting malformed persisted session", "error", err)
	}
}

// Login authenticates against the remote API and, on success, persists and
// adopts the new session. On failure nothing changes. A call made while
// another Login is pending fails with ErrLoginInProgress.
func (s *Store) Login(ctx context.Context, creds Credentials) Result {
	if !s.login.TryAcquire(1) {
		s.recorder.LoginAttempt("in_progress")
		return Result{Message: ErrLoginInProgress.Error(), Err: ErrLoginInProgress}
	}
	defer s.login.Release(1)

	if s.loginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.loginTimeout)
		defer cancel()
	}

	grant, err := s.auth.Authenticate(ctx, creds)
	if err != nil {
		return s.loginFailed(err)
	}
	if grant.Token == "" {
		return s.loginFailed(errors.New("auth response carried no token"))
	}
	if grant.Principal.DisplayName == "" {
		return s.loginFailed(errors.New("auth response carried no principal"))
	}

	admin, err := json.Marshal(grant.Principal)
	if err != nil {
		return s.loginFailed(fmt.Errorf("encoding principal: %w", err))
	}
	if err := s.backend.Put(ctx, map[string]string{
		KeyToken:     grant.Token,
		KeyPrincipal: string(admin),
	}); err != nil {
		return s.loginFailed(fmt.Errorf("persisting session: %w", err))
	}

	if s.onToken != nil {
		s.onToken(grant.Token)
	}

	s.transition.Lock()
	p := grant.Principal
	s.set(grant.Token, &p)
	st := s.State()
	s.notify(st)
	s.transition.Unlock()

	s.recorder.LoginAttempt("success")
	s.recorder.SessionTransition(StatusAuthenticated, "login")
	s.logger.Info("logged in", "principal", p.DisplayName)
	return Result{Success: true}
}

func (s *Store) loginFailed(err error) Result {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		s.recorder.LoginAttempt("rejected")
		s.logger.Info("login rejected", "message", rejected.Message)
	} else {
		s.recorder.LoginAttempt("error")
		s.logger.Warn("login failed", "error", err)
	}
	return Result{Message: failureMessage(err), Err: err}
}

// Logout clears the persisted session and becomes unauthenticated. The
// transition always happens; the returned error only reports a failure to
// delete the persisted keys. Calling it when already logged out is safe.
func (s *Store) Logout(ctx context.Context) error {
	delErr := s.backend.Delete(ctx, KeyToken, KeyPrincipal)
	if delErr != nil {
		s.logger.Warn("clearing persisted session", "error", delErr)
		delErr = fmt.Errorf("clearing persisted session: %w", delErr)
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	if s.set("", nil) {
		st := s.State()
		s.recorder.SessionTransition(StatusUnauthenticated, "logout")
		s.logger.Info("logged out")
		s.notify(st)
	}
	return delErr
}

// State returns a snapshot. The principal is a copy.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.principal == nil {
		return State{}
	}
	p := *s.principal
	return State{Authenticated: true, Principal: &p}
}

// Token returns the bearer token, or "" when unauthenticated.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Subscribe registers fn to run after every state change, in the order the
// changes happen. fn must not call Login, Logout, Initialize or Reload.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// set replaces the in-memory session and reports whether it changed. The
// token and principal are always set or cleared together.
func (s *Store) set(token string, principal *Principal) bool {
	if token == "" || principal == nil {
		token, principal = "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	same := s.token == token &&
		(s.principal == nil) == (principal == nil) &&
		(principal == nil || *s.principal == *principal)
	if same {
		return false
	}
	s.token = token
	s.principal = principal
	return true
}

// notify runs subscribers with the transition lock held.
func (s *Store) notify(st State) {
	s.subMu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		// Each subscriber gets its own principal copy.
		cp := st
		if st.Principal != nil {
			p := *st.Principal
			cp.Principal = &p
		}
		sub.fn(cp)
	}
}
