package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/szaher/newsdesk/internal/storage"
	"github.com/szaher/newsdesk/internal/testutil"
)

// stubAuth answers logins from a fixed table of secrets.
func stubAuth() Authenticator {
	return AuthenticatorFunc(func(_ context.Context, creds Credentials) (Grant, error) {
		switch creds.Secret {
		case "correct":
			return Grant{Token: "abc123", Principal: Principal{DisplayName: "Tushar"}}, nil
		case "wrong":
			return Grant{}, &RejectedError{Message: "Invalid credentials"}
		default:
			return Grant{}, errors.New("dial tcp 127.0.0.1:5001: connection refused")
		}
	})
}

// flakyBackend wraps a MemoryBackend and injects errors.
type flakyBackend struct {
	*storage.MemoryBackend
	getErr    error
	putErr    error
	deleteErr error
}

func (b *flakyBackend) Get(ctx context.Context, key string) (string, error) {
	if b.getErr != nil {
		return "", b.getErr
	}
	return b.MemoryBackend.Get(ctx, key)
}

func (b *flakyBackend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.MemoryBackend.GetMany(ctx, keys...)
}

func (b *flakyBackend) Put(ctx context.Context, entries map[string]string) error {
	if b.putErr != nil {
		return b.putErr
	}
	return b.MemoryBackend.Put(ctx, entries)
}

func (b *flakyBackend) Delete(ctx context.Context, keys ...string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.MemoryBackend.Delete(ctx, keys...)
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions []string
	attempts    []string
}

func (r *countingRecorder) SessionTransition(to, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to+"/"+reason)
}

func (r *countingRecorder) LoginAttempt(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, result)
}

func newTestStore(t *testing.T, backend storage.Backend, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.QuietLogger())}, opts...)
	s := NewStore(backend, stubAuth(), opts...)
	s.Initialize(context.Background())
	return s
}

func assertConsistent(t *testing.T, s *Store) {
	t.Helper()
	st := s.State()
	hasToken := s.Token() != ""
	if st.Authenticated != hasToken || st.Authenticated != (st.Principal != nil) {
		t.Fatalf("inconsistent session: authenticated=%v token=%v principal=%v",
			st.Authenticated, hasToken, st.Principal)
	}
}

func assertKeysAbsent(t *testing.T, b storage.Backend) {
	t.Helper()
	for _, k := range []string{KeyToken, KeyPrincipal} {
		if _, err := b.Get(context.Background(), k); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("key %q still persisted (err = %v)", k, err)
		}
	}
}

func TestInitializeEmptyStorage(t *testing.T) {
	s := NewStore(storage.NewMemoryBackend(), stubAuth(), WithLogger(testutil.QuietLogger()))
	st := s.Initialize(context.Background())

	if st.Authenticated || st.Principal != nil {
		t.Errorf("Initialize on empty storage = %+v, want unauthenticated", st)
	}
	if st.Status() != StatusUnauthenticated {
		t.Errorf("Status = %q", st.Status())
	}
}

func TestLoginSuccess(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	res := s.Login(ctx, Credentials{Identifier: "admin@x.com", Secret: "correct"})
	if !res.Success {
		t.Fatalf("Login failed: %+v", res)
	}

	st := s.State()
	if !st.Authenticated {
		t.Fatal("state not authenticated after successful login")
	}
	if st.Principal == nil || st.Principal.DisplayName != "Tushar" {
		t.Errorf("principal = %+v, want Tushar", st.Principal)
	}
	if s.Token() != "abc123" {
		t.Errorf("Token() = %q, want %q", s.Token(), "abc123")
	}

	token, err := backend.Get(ctx, KeyToken)
	if err != nil || token != "abc123" {
		t.Errorf("persisted token = %q, %v", token, err)
	}
	admin, err := backend.Get(ctx, KeyPrincipal)
	if err != nil || admin != `{"fullName":"Tushar"}` {
		t.Errorf("persisted admin = %q, %v", admin, err)
	}
	assertConsistent(t, s)
}

func TestLoginRejected(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := newTestStore(t, backend)

	res := s.Login(context.Background(), Credentials{Identifier: "admin@x.com", Secret: "wrong"})
	if res.Success {
		t.Fatal("Login with wrong secret succeeded")
	}
	if res.Message != "Invalid credentials" {
		t.Errorf("Message = %q, want %q", res.Message, "Invalid credentials")
	}
	var rejected *RejectedError
	if !errors.As(res.Err, &rejected) {
		t.Errorf("Err = %v, want *RejectedError", res.Err)
	}

	if s.State().Authenticated {
		t.Error("state authenticated after rejected login")
	}
	if backend.Len() != 0 {
		t.Errorf("storage touched by failed login: %d keys", backend.Len())
	}
}

func TestLoginNetworkFailureUsesDefaultMessage(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend())

	res := s.Login(context.Background(), Credentials{Identifier: "admin@x.com", Secret: "anything"})
	if res.Success {
		t.Fatal("Login succeeded on network failure")
	}
	if res.Message != DefaultFailureMessage {
		t.Errorf("Message = %q, want %q", res.Message, DefaultFailureMessage)
	}
	if res.Err == nil {
		t.Error("Err should carry the network error")
	}
}

func TestLoginFailureKeepsExistingSession(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	if res := s.Login(ctx, Credentials{Identifier: "a", Secret: "correct"}); !res.Success {
		t.Fatalf("first login: %+v", res)
	}
	if res := s.Login(ctx, Credentials{Identifier: "a", Secret: "wrong"}); res.Success {
		t.Fatal("second login should fail")
	}

	if st := s.State(); !st.Authenticated || st.Principal.DisplayName != "Tushar" {
		t.Errorf("state after failed re-login = %+v", st)
	}
	if token, _ := backend.Get(ctx, KeyToken); token != "abc123" {
		t.Errorf("persisted token = %q", token)
	}
}

func TestLoginStorageFailure(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	s := newTestStore(t, backend)
	backend.putErr = errors.New("disk full")

	res := s.Login(context.Background(), Credentials{Identifier: "a", Secret: "correct"})
	if res.Success {
		t.Fatal("Login succeeded although persisting failed")
	}
	if res.Message != DefaultFailureMessage {
		t.Errorf("Message = %q", res.Message)
	}
	if s.State().Authenticated || s.Token() != "" {
		t.Error("in-memory state changed although persisting failed")
	}
}

func TestLoginIncompleteGrant(t *testing.T) {
	tests := []struct {
		name  string
		grant Grant
	}{
		{"no token", Grant{Principal: Principal{DisplayName: "Tushar"}}},
		{"no principal", Grant{Token: "abc123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := storage.NewMemoryBackend()
			auth := AuthenticatorFunc(func(context.Context, Credentials) (Grant, error) {
				return tt.grant, nil
			})
			s := NewStore(backend, auth, WithLogger(testutil.QuietLogger()))
			s.Initialize(context.Background())

			res := s.Login(context.Background(), Credentials{})
			if res.Success {
				t.Fatal("Login succeeded with incomplete grant")
			}
			if s.State().Authenticated || backend.Len() != 0 {
				t.Error("incomplete grant changed the session")
			}
		})
	}
}

func TestLogout(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	if res := s.Login(ctx, Credentials{Identifier: "admin@x.com", Secret: "correct"}); !res.Success {
		t.Fatalf("Login: %+v", res)
	}

	if err := s.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	st := s.State()
	if st.Authenticated || st.Principal != nil {
		t.Errorf("state after logout = %+v", st)
	}
	assertKeysAbsent(t, backend)
	assertConsistent(t, s)
}

func TestLogoutIdempotent(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()
	s.Login(ctx, Credentials{Secret: "correct"})

	var events []State
	s.Subscribe(func(st State) { events = append(events, st) })

	for i := 0; i < 2; i++ {
		if err := s.Logout(ctx); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
		if s.State().Authenticated {
			t.Fatalf("authenticated after Logout #%d", i+1)
		}
		assertKeysAbsent(t, backend)
	}
	if len(events) != 1 {
		t.Errorf("got %d notifications for two logouts, want 1", len(events))
	}
}

func TestLogoutStorageFailureStillTransitions(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	s := newTestStore(t, backend)
	ctx := context.Background()
	s.Login(ctx, Credentials{Secret: "correct"})

	backend.deleteErr = errors.New("read-only file system")
	err := s.Logout(ctx)
	if err == nil {
		t.Fatal("Logout should report the delete failure")
	}
	if s.State().Authenticated || s.Token() != "" {
		t.Error("Logout must transition even when the delete fails")
	}
}

func TestRoundTripAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	ctx := context.Background()

	first := newTestStore(t, storage.NewFileBackend(path))
	if res := first.Login(ctx, Credentials{Identifier: "admin@x.com", Secret: "correct"}); !res.Success {
		t.Fatalf("Login: %+v", res)
	}

	// A fresh process reads the same file.
	second := NewStore(storage.NewFileBackend(path), stubAuth(), WithLogger(testutil.QuietLogger()))
	st := second.Initialize(ctx)
	if !st.Authenticated {
		t.Fatal("session not restored after restart")
	}
	if st.Principal.DisplayName != "Tushar" {
		t.Errorf("restored principal = %q", st.Principal.DisplayName)
	}
	if second.Token() != "abc123" {
		t.Errorf("restored token = %q", second.Token())
	}
}

func TestInitializeMalformedStorage(t *testing.T) {
	tests := []struct {
		name   string
		seeded map[string]string
	}{
		{"invalid principal JSON", map[string]string{KeyToken: "xyz", KeyPrincipal: "{not valid json}"}},
		{"token without principal", map[string]string{KeyToken: "xyz"}},
		{"principal without token", map[string]string{KeyPrincipal: `{"fullName":"Tushar"}`}},
		{"empty token", map[string]string{KeyToken: "  ", KeyPrincipal: `{"fullName":"Tushar"}`}},
		{"principal without name", map[string]string{KeyToken: "xyz", KeyPrincipal: `{}`}},
		{"principal is a string", map[string]string{KeyToken: "xyz", KeyPrincipal: `"Tushar"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := storage.NewMemoryBackend()
			if err := backend.Put(context.Background(), tt.seeded); err != nil {
				t.Fatal(err)
			}

			s := NewStore(backend, stubAuth(), WithLogger(testutil.QuietLogger()))
			st := s.Initialize(context.Background())

			if st.Authenticated {
				t.Errorf("Initialize = %+v, want unauthenticated", st)
			}
			assertConsistent(t, s)
			assertKeysAbsent(t, backend)
		})
	}
}

func TestInitializeCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(storage.NewFileBackend(path), stubAuth(), WithLogger(testutil.QuietLogger()))
	if st := s.Initialize(context.Background()); st.Authenticated {
		t.Errorf("Initialize on corrupt file = %+v", st)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("corrupt file should be discarded, stat err = %v", err)
	}
}

func TestInitializeReadFailure(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	_ = backend.MemoryBackend.Put(context.Background(), map[string]string{
		KeyToken: "abc123", KeyPrincipal: `{"fullName":"Tushar"}`,
	})
	backend.getErr = errors.New("connection reset")

	s := NewStore(backend, stubAuth(), WithLogger(testutil.QuietLogger()))
	if st := s.Initialize(context.Background()); st.Authenticated {
		t.Errorf("Initialize with unreadable storage = %+v", st)
	}
	// Transient read errors must not destroy a valid session.
	if backend.Len() != 2 {
		t.Errorf("persisted keys = %d, want 2", backend.Len())
	}
}

func TestConcurrentLoginRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	auth := AuthenticatorFunc(func(context.Context, Credentials) (Grant, error) {
		once.Do(func() { close(started) })
		<-release
		return Grant{Token: "abc123", Principal: Principal{DisplayName: "Tushar"}}, nil
	})
	rec := &countingRecorder{}
	s := NewStore(storage.NewMemoryBackend(), auth, WithLogger(testutil.QuietLogger()), WithRecorder(rec))
	s.Initialize(context.Background())

	first := make(chan Result, 1)
	go func() { first <- s.Login(context.Background(), Credentials{Secret: "correct"}) }()
	<-started

	second := s.Login(context.Background(), Credentials{Secret: "correct"})
	if second.Success {
		t.Fatal("second concurrent Login should be rejected")
	}
	if !errors.Is(second.Err, ErrLoginInProgress) {
		t.Errorf("Err = %v, want ErrLoginInProgress", second.Err)
	}
	if second.Message != "login already in progress" {
		t.Errorf("Message = %q", second.Message)
	}

	close(release)
	if res := <-first; !res.Success {
		t.Fatalf("first Login: %+v", res)
	}

	// The slot is free again.
	if res := s.Login(context.Background(), Credentials{Secret: "correct"}); res.Err != nil && errors.Is(res.Err, ErrLoginInProgress) {
		t.Error("Login still reported in progress after the first completed")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.attempts) < 2 || rec.attempts[0] != "in_progress" || rec.attempts[1] != "success" {
		t.Errorf("attempts = %v", rec.attempts)
	}
}

func TestLoginTimeout(t *testing.T) {
	auth := AuthenticatorFunc(func(ctx context.Context, _ Credentials) (Grant, error) {
		<-ctx.Done()
		return Grant{}, ctx.Err()
	})
	s := NewStore(storage.NewMemoryBackend(), auth,
		WithLogger(testutil.QuietLogger()),
		WithLoginTimeout(20*time.Millisecond),
	)
	s.Initialize(context.Background())

	done := make(chan Result, 1)
	go func() { done <- s.Login(context.Background(), Credentials{}) }()

	select {
	case res := <-done:
		if res.Success {
			t.Fatal("timed-out Login succeeded")
		}
		if !errors.Is(res.Err, context.DeadlineExceeded) {
			t.Errorf("Err = %v, want deadline exceeded", res.Err)
		}
		if res.Message != DefaultFailureMessage {
			t.Errorf("Message = %q", res.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Login did not honour its timeout")
	}
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend())
	ctx := context.Background()

	var got []string
	cancel := s.Subscribe(func(st State) { got = append(got, st.Status()) })

	s.Login(ctx, Credentials{Secret: "correct"})
	s.Logout(ctx)
	cancel()
	cancel()
	s.Login(ctx, Credentials{Secret: "correct"})

	want := []string{StatusAuthenticated, StatusUnauthenticated}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscribeOrderAcrossSubscribers(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend())
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		s.Subscribe(func(State) { order = append(order, i) })
	}
	s.Login(context.Background(), Credentials{Secret: "correct"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("subscriber order = %v, want [1 2 3]", order)
	}
}

func TestInitializeNotifiesSubscribers(t *testing.T) {
	s := NewStore(storage.NewMemoryBackend(), stubAuth(), WithLogger(testutil.QuietLogger()))
	var calls int
	s.Subscribe(func(State) { calls++ })
	s.Initialize(context.Background())
	if calls != 1 {
		t.Errorf("Initialize notified %d times, want 1", calls)
	}
}

func TestStateReturnsCopy(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend())
	s.Login(context.Background(), Credentials{Secret: "correct"})

	st := s.State()
	st.Principal.DisplayName = "Mallory"

	if got := s.State().Principal.DisplayName; got != "Tushar" {
		t.Errorf("store principal mutated through snapshot: %q", got)
	}
}

func TestTokenHook(t *testing.T) {
	var seen []string
	hook := WithTokenHook(func(tok string) { seen = append(seen, tok) })
	backend := storage.NewMemoryBackend()

	s := newTestStore(t, backend, hook)
	s.Login(context.Background(), Credentials{Secret: "correct"})

	// A restarted store registers the restored token too.
	newTestStore(t, backend, hook)

	if len(seen) != 2 || seen[0] != "abc123" || seen[1] != "abc123" {
		t.Errorf("token hook calls = %v", seen)
	}
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	backend := storage.NewMemoryBackend()
	rec := &countingRecorder{}
	watcher := newTestStore(t, backend, WithRecorder(rec))
	writer := newTestStore(t, backend)
	ctx := context.Background()

	var events []string
	watcher.Subscribe(func(st State) { events = append(events, st.Status()) })

	// Nothing changed yet.
	watcher.Reload(ctx)
	if len(events) != 0 {
		t.Fatalf("Reload without changes notified: %v", events)
	}

	writer.Login(ctx, Credentials{Secret: "correct"})
	if st := watcher.Reload(ctx); !st.Authenticated {
		t.Fatal("Reload did not pick up external login")
	}

	writer.Logout(ctx)
	if st := watcher.Reload(ctx); st.Authenticated {
		t.Fatal("Reload did not pick up external logout")
	}

	if len(events) != 2 || events[0] != StatusAuthenticated || events[1] != StatusUnauthenticated {
		t.Errorf("events = %v", events)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"authenticated/sync", "unauthenticated/sync"}
	if len(rec.transitions) != 2 || rec.transitions[0] != want[0] || rec.transitions[1] != want[1] {
		t.Errorf("transitions = %v, want %v", rec.transitions, want)
	}
}

// interleavingBackend runs afterRead once, right after the first read
// returns, to model another process writing in between.
type interleavingBackend struct {
	*storage.MemoryBackend
	once      sync.Once
	afterRead func()
}

func (b *interleavingBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.MemoryBackend.Get(ctx, key)
	b.once.Do(b.afterRead)
	return v, err
}

func (b *interleavingBackend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	v, err := b.MemoryBackend.GetMany(ctx, keys...)
	b.once.Do(b.afterRead)
	return v, err
}

func TestInitializeKeepsSessionWrittenDuringRead(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingBackend{MemoryBackend: storage.NewMemoryBackend()}
	backend.afterRead = func() {
		_ = backend.MemoryBackend.Put(ctx, map[string]string{
			KeyToken: "other", KeyPrincipal: `{"fullName":"Other"}`,
		})
	}

	s := NewStore(backend, stubAuth(), WithLogger(testutil.QuietLogger()))
	if st := s.Initialize(ctx); st.Authenticated {
		t.Errorf("Initialize = %+v, want the empty snapshot", st)
	}
	if tok, err := backend.Get(ctx, KeyToken); err != nil || tok != "other" {
		t.Fatalf("session committed by another process was deleted: token=%q err=%v", tok, err)
	}

	st := s.Reload(ctx)
	if !st.Authenticated || st.Principal.DisplayName != "Other" {
		t.Errorf("Reload = %+v, want Other", st)
	}
}

// gatedBackend parks the next GetMany after it has read its snapshot until
// release is closed.
type gatedBackend struct {
	*storage.MemoryBackend
	mu      sync.Mutex
	release chan struct{}
	entered chan struct{}
	stored  chan struct{}
}

func (b *gatedBackend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	v, err := b.MemoryBackend.GetMany(ctx, keys...)
	b.mu.Lock()
	release := b.release
	b.release = nil
	b.mu.Unlock()
	if release != nil {
		close(b.entered)
		<-release
	}
	return v, err
}

func (b *gatedBackend) Put(ctx context.Context, entries map[string]string) error {
	err := b.MemoryBackend.Put(ctx, entries)
	close(b.stored)
	return err
}

func TestReloadDoesNotOverwriteConcurrentLogin(t *testing.T) {
	ctx := context.Background()
	backend := &gatedBackend{
		MemoryBackend: storage.NewMemoryBackend(),
		entered:       make(chan struct{}),
		stored:        make(chan struct{}),
	}
	s := NewStore(backend, stubAuth(), WithLogger(testutil.QuietLogger()))
	s.Initialize(ctx)

	release := make(chan struct{})
	backend.mu.Lock()
	backend.release = release
	backend.mu.Unlock()

	reloaded := make(chan State, 1)
	go func() { reloaded <- s.Reload(ctx) }()
	<-backend.entered

	loggedIn := make(chan Result, 1)
	go func() { loggedIn <- s.Login(ctx, Credentials{Secret: "correct"}) }()
	<-backend.stored

	// The reload still holds its pre-login snapshot.
	close(release)
	<-reloaded
	if res := <-loggedIn; !res.Success {
		t.Fatalf("Login: %+v", res)
	}

	st := s.State()
	if !st.Authenticated || s.Token() != "abc123" {
		t.Errorf("state after racing Reload = %+v token=%q, want the new login", st, s.Token())
	}
	assertConsistent(t, s)
}

func TestConsistencyUnderParallelUse(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryBackend())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Login(ctx, Credentials{Secret: "correct"})
		}()
		go func() {
			defer wg.Done()
			_ = s.Logout(ctx)
		}()
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				st := s.State()
				if st.Authenticated != (st.Principal != nil) {
					t.Errorf("inconsistent snapshot %+v", st)
					return
				}
			}
		}
	}()
	wg.Wait()
	close(stop)
	assertConsistent(t, s)
}
