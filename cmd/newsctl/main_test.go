package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/szaher/newsdesk/internal/apiclient"
	"github.com/szaher/newsdesk/internal/articles"
	"github.com/szaher/newsdesk/internal/testutil"
)

// fakePortal is an in-process news API.
type fakePortal struct {
	t       *testing.T
	token   string
	mu      sync.Mutex
	revoked bool
	calls   map[string]int
	created map[string]any
}

func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server) {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	p := &fakePortal{t: t, token: token, calls: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", p.login)
	mux.HandleFunc("POST /auth/logout", p.authed(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(t, w, http.StatusOK, map[string]any{"status": true})
	}))
	mux.HandleFunc("GET /auth/profile", p.authed(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(t, w, http.StatusOK, map[string]any{"fullName": "Tushar", "email": "tushar@example.com"})
	}))
	mux.HandleFunc("GET /auth/views", p.authed(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(t, w, http.StatusOK, map[string]any{
			"totalArticles": 3, "totalViews": 120, "viewsToday": 7, "publishedArticles": 2,
		})
	}))
	mux.HandleFunc("POST /api/articles", p.authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.created = body
		p.mu.Unlock()
		testutil.WriteJSON(t, w, http.StatusCreated, map[string]any{"id": 42, "title": body["title"]})
	}))
	mux.HandleFunc("GET /v1/user/articles", p.count(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(t, w, http.StatusOK, articles.Page[articles.Article]{
			Content:       sampleArticles(),
			TotalPages:    1,
			TotalElements: 2,
			Size:          10,
		})
	}))
	mux.HandleFunc("GET /v1/user/article/{id}", p.count(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "7" {
			testutil.WriteJSON(t, w, http.StatusNotFound, map[string]string{"message": "Article not found"})
			return
		}
		testutil.WriteJSON(t, w, http.StatusOK, articles.Article{
			ID: 7, Title: "Hello World", Author: "Tushar", Category: "Technology",
			Content: "<p>First <b>post</b> &amp; more</p>", Tags: "go, cli",
		})
	}))
	mux.HandleFunc("POST /v1/user/{id}/view", p.count(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /v1/user/search", p.count(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(t, w, http.StatusOK, articles.Page[articles.Article]{Content: sampleArticles()[:1], TotalPages: 1, TotalElements: 1})
	}))
	mux.HandleFunc("GET /v1/user/categories", p.count(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(t, w, http.StatusOK, map[string]any{"categories": []string{"Politics", "Sports"}})
	}))
	for _, path := range []string{"/v1/user/featured", "/v1/user/latest", "/v1/user/most-viewed"} {
		mux.HandleFunc("GET "+path, p.count(func(w http.ResponseWriter, r *http.Request) {
			testutil.WriteJSON(t, w, http.StatusOK, sampleArticles())
		}))
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func sampleArticles() []articles.Article {
	return []articles.Article{
		{ID: 1, Title: "Election results are in", Category: "Politics", Author: "Asha", ViewCount: 10},
		{ID: 2, Title: "New chip announced", Category: "Technology", Author: "Ravi", ViewCount: 4},
	}
}

func (p *fakePortal) login(w http.ResponseWriter, r *http.Request) {
	p.record(r)
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if creds.Username != "admin" || creds.Password != "secret" {
		testutil.WriteJSON(p.t, w, http.StatusUnauthorized, map[string]any{"status": false, "message": "Invalid credentials"})
		return
	}
	testutil.WriteJSON(p.t, w, http.StatusOK, map[string]any{
		"status": true,
		"jwt":    p.token,
		"admin":  map[string]string{"fullName": "Tushar"},
	})
}

func (p *fakePortal) record(r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[r.Method+" "+r.URL.Path]++
}

func (p *fakePortal) count(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.record(r)
		next(w, r)
	}
}

func (p *fakePortal) authed(next http.HandlerFunc) http.HandlerFunc {
	return p.count(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		ok := !p.revoked && r.Header.Get("Authorization") == "Bearer "+p.token
		p.mu.Unlock()
		if !ok {
			testutil.WriteJSON(p.t, w, http.StatusUnauthorized, map[string]string{"message": "Token expired"})
			return
		}
		next(w, r)
	})
}

func (p *fakePortal) revoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = true
}

func (p *fakePortal) callCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[key]
}

// setupCLI points newsctl at a fresh config directory and the fake portal.
func setupCLI(t *testing.T) (*fakePortal, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("NEWSDESK_CONFIG_DIR", dir)
	portal, srv := newFakePortal(t)
	t.Setenv("NEWSDESK_API_URL", srv.URL)
	return portal, dir
}

func runCLI(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if stderr.Len() > 0 {
		t.Logf("stderr of %v:\n%s", args, stderr.String())
	}
	return stdout.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, context.Background(), stdin, args...)
	if err != nil {
		t.Fatalf("newsctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func login(t *testing.T) {
	t.Helper()
	out := mustRun(t, "secret\n", "login", "--username", "admin", "--password-stdin")
	if !strings.Contains(out, "Logged in as Tushar") {
		t.Fatalf("login output = %q", out)
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	portal, dir := setupCLI(t)

	if out := mustRun(t, "", "whoami"); !strings.Contains(out, "Not logged in.") {
		t.Fatalf("whoami before login = %q", out)
	}

	login(t)

	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		t.Fatalf("session file not written: %v", err)
	}
	if !strings.Contains(string(data), `"fullName":"Tushar"`) && !strings.Contains(string(data), `{\"fullName\":\"Tushar\"}`) {
		t.Errorf("session file does not hold the principal: %s", data)
	}

	// A new process sees the persisted session.
	out := mustRun(t, "", "whoami")
	if !strings.Contains(out, "Logged in as Tushar") {
		t.Errorf("whoami = %q", out)
	}
	if !strings.Contains(out, "Token expires") {
		t.Errorf("whoami should report the token expiry: %q", out)
	}

	out = mustRun(t, "", "whoami", "-o", "json")
	var view sessionOutput
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("whoami json: %v\n%s", err, out)
	}
	if view.Status != "authenticated" || view.Principal != "Tushar" || view.ExpiresAt == nil {
		t.Errorf("whoami json = %+v", view)
	}

	if out := mustRun(t, "", "logout"); !strings.Contains(out, "Logged out.") {
		t.Errorf("logout = %q", out)
	}
	if got := portal.callCount("POST /auth/logout"); got != 1 {
		t.Errorf("remote logout calls = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "session.json")); !os.IsNotExist(err) {
		t.Errorf("session file should be gone after logout, stat err = %v", err)
	}

	if out := mustRun(t, "", "whoami"); !strings.Contains(out, "Not logged in.") {
		t.Errorf("whoami after logout = %q", out)
	}
	if out := mustRun(t, "", "logout"); !strings.Contains(out, "Not logged in.") {
		t.Errorf("second logout = %q", out)
	}
	if got := portal.callCount("POST /auth/logout"); got != 1 {
		t.Errorf("logout when unauthenticated should not call the API, calls = %d", got)
	}
}

func TestLoginRejected(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, context.Background(), "wrong\n", "login", "-u", "admin", "--password-stdin")
	testutil.AssertErrorContains(t, err, "Invalid credentials")

	if out := mustRun(t, "", "whoami"); !strings.Contains(out, "Not logged in.") {
		t.Errorf("whoami after failed login = %q", out)
	}
}

func TestLoginPrompts(t *testing.T) {
	setupCLI(t)

	out := mustRun(t, "admin\nsecret\n", "login")
	if !strings.Contains(out, "Logged in as Tushar") {
		t.Errorf("login = %q", out)
	}
}

func TestLoginPasswordStdinNeedsUsername(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, context.Background(), "secret\n", "login", "--password-stdin")
	testutil.AssertErrorContains(t, err, "--password-stdin requires --username")
}

func TestAdminRequiresLogin(t *testing.T) {
	portal, _ := setupCLI(t)

	for _, args := range [][]string{
		{"admin", "stats"},
		{"admin", "list"},
		{"admin", "delete", "3"},
		{"admin", "profile"},
	} {
		_, err := runCLI(t, context.Background(), "", args...)
		testutil.AssertErrorContains(t, err, "requires an authenticated session (redirected to /)")
	}
	if got := portal.callCount("GET /auth/views"); got != 0 {
		t.Errorf("stats endpoint called %d times while logged out", got)
	}
}

func TestAdminStatsAndRevokedToken(t *testing.T) {
	portal, dir := setupCLI(t)
	login(t)

	out := mustRun(t, "", "admin", "stats")
	if !strings.Contains(out, "Total articles:     3") || !strings.Contains(out, "Views today:        7") {
		t.Errorf("stats = %q", out)
	}

	portal.revoke()
	_, err := runCLI(t, context.Background(), "", "admin", "stats")
	if !apiclient.IsUnauthorized(err) {
		t.Fatalf("expected a 401 error, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "session.json")); !os.IsNotExist(err) {
		t.Errorf("a 401 should clear the persisted session, stat err = %v", err)
	}
	if out := mustRun(t, "", "whoami"); !strings.Contains(out, "Not logged in.") {
		t.Errorf("whoami after 401 = %q", out)
	}
}

func TestAdminCreateDefaultsAuthor(t *testing.T) {
	portal, _ := setupCLI(t)
	login(t)

	out := mustRun(t, "", "admin", "create",
		"--title", "Breaking News", "--content", "<p>Body</p>", "--category", "Technology")
	if !strings.Contains(out, "Created article 42: Breaking News (breaking-news)") {
		t.Errorf("create = %q", out)
	}

	portal.mu.Lock()
	created := portal.created
	portal.mu.Unlock()
	if created["author"] != "Tushar" {
		t.Errorf("author = %v, want the logged-in principal", created["author"])
	}
	if created["published"] != true {
		t.Errorf("published = %v, want true by default", created["published"])
	}
}

func TestAdminCreateValidation(t *testing.T) {
	portal, _ := setupCLI(t)
	login(t)

	_, err := runCLI(t, context.Background(), "", "admin", "create", "--title", "No body")
	if !articles.IsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	testutil.AssertErrorContains(t, err, "Content is required")
	if got := portal.callCount("POST /api/articles"); got != 0 {
		t.Errorf("invalid draft reached the API %d times", got)
	}
}

func TestAdminProfileRejectsBadEmail(t *testing.T) {
	setupCLI(t)
	login(t)

	_, err := runCLI(t, context.Background(), "", "admin", "profile", "--email", "not-an-email")
	testutil.AssertErrorContains(t, err, "invalid email address")

	out := mustRun(t, "", "admin", "profile")
	if !strings.Contains(out, "Name:     Tushar") {
		t.Errorf("profile = %q", out)
	}
}

func TestArticlesCommands(t *testing.T) {
	portal, _ := setupCLI(t)

	out := mustRun(t, "", "articles", "list")
	for _, want := range []string{"Election results are in", "New chip announced", "Page 1 of 1 (2 articles)"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "", "articles", "get", "7")
	for _, want := range []string{"Hello World", "Tags:      go, cli", "First post & more"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}
	if got := portal.callCount("POST /v1/user/7/view"); got != 1 {
		t.Errorf("view count calls = %d, want 1", got)
	}

	_, err := runCLI(t, context.Background(), "", "articles", "get", "8")
	if !apiclient.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = runCLI(t, context.Background(), "", "articles", "get", "abc")
	testutil.AssertErrorContains(t, err, `invalid article id "abc"`)

	out = mustRun(t, "", "articles", "search", "--quick", "ab")
	if !strings.Contains(out, "No articles found.") {
		t.Errorf("short quick search = %q", out)
	}
	if got := portal.callCount("GET /v1/user/search"); got != 0 {
		t.Errorf("short quick search called the API %d times", got)
	}

	out = mustRun(t, "", "articles", "search", "election", "results")
	if !strings.Contains(out, "Election results are in") {
		t.Errorf("search = %q", out)
	}

	out = mustRun(t, "", "articles", "categories")
	if out != "Politics\nSports\n" {
		t.Errorf("categories = %q", out)
	}

	out = mustRun(t, "", "articles", "popular", "-o", "json")
	var list []articles.Article
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("popular json: %v\n%s", err, out)
	}
	if len(list) != 2 {
		t.Errorf("popular returned %d articles, want 2", len(list))
	}
}

func TestHome(t *testing.T) {
	portal, _ := setupCLI(t)

	out := mustRun(t, "", "home")
	for _, want := range []string{"== Featured ==", "== Latest ==", "== Most viewed =="} {
		if !strings.Contains(out, want) {
			t.Errorf("home output missing %q:\n%s", want, out)
		}
	}
	for _, path := range []string{"GET /v1/user/featured", "GET /v1/user/latest", "GET /v1/user/most-viewed"} {
		if got := portal.callCount(path); got != 1 {
			t.Errorf("%s called %d times, want 1", path, got)
		}
	}
}

func TestOutputFormatRejected(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, context.Background(), "", "whoami", "-o", "yaml")
	testutil.AssertErrorContains(t, err, `unknown output format "yaml"`)
}

func TestWatchStopsOnCancel(t *testing.T) {
	setupCLI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := runCLI(t, ctx, "", "watch", "--metrics-addr", "127.0.0.1:0", "--schedule", "@every 1h")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out, "session: unauthenticated") {
		t.Errorf("watch output = %q", out)
	}
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "", "version")
	if !strings.HasPrefix(out, "newsctl version "+version) {
		t.Errorf("version = %q", out)
	}
}
