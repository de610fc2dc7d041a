package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/szaher/newsdesk/internal/apiclient"
	"github.com/szaher/newsdesk/internal/articles"
	"github.com/szaher/newsdesk/internal/authapi"
	"github.com/szaher/newsdesk/internal/config"
	"github.com/szaher/newsdesk/internal/guard"
	"github.com/szaher/newsdesk/internal/session"
	"github.com/szaher/newsdesk/internal/storage"
	"github.com/szaher/newsdesk/internal/telemetry"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	base     *slog.Logger
	redact   *telemetry.RedactHandler
	metrics  *telemetry.Metrics
	backend  storage.Backend
	api      *apiclient.Client
	auth     *authapi.Client
	articles *articles.Service
	session  *session.Store
	guard    *guard.Guard
	out      io.Writer
}

// newApp loads configuration, applies the global flags, opens session
// storage and hydrates the session. The command's context gets a
// correlation id shared by every API call the command makes.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	redact := telemetry.NewRedactHandler(telemetry.NewHandler(cmd.ErrOrStderr(), level, cfg.Log.Format))

	ctx := telemetry.WithCorrelationID(cmd.Context(), "")
	cmd.SetContext(ctx)
	base := slog.New(redact)
	logger := telemetry.RequestLogger(base, ctx, "newsctl")

	g, err := guard.New(cfg.Guard)
	if err != nil {
		return nil, err
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening session storage: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		base:    base,
		redact:  redact,
		metrics: telemetry.NewMetrics(),
		backend: backend,
		guard:   g,
		out:     cmd.OutOrStdout(),
	}

	a.api = apiclient.New(cfg.APIURL,
		apiclient.WithTimeout(cfg.RequestTimeout),
		apiclient.WithTokenSource(apiclient.TokenFunc(func() string { return a.session.Token() })),
		apiclient.WithUnauthorizedHandler(func(ctx context.Context) error { return a.session.Logout(ctx) }),
		apiclient.WithLogger(telemetry.RequestLogger(base, ctx, "apiclient")),
		apiclient.WithObserver(a.metrics),
		apiclient.WithUserAgent("newsctl/"+version),
	)
	a.auth = authapi.New(a.api, logger)
	a.articles = articles.NewService(a.api)
	a.session = session.NewStore(backend, a.auth,
		session.WithLogger(telemetry.RequestLogger(base, ctx, "session")),
		session.WithLoginTimeout(cfg.LoginTimeout),
		session.WithRecorder(a.metrics),
		session.WithTokenHook(redact.AddSecret),
	)
	a.session.Initialize(ctx)

	return a, nil
}

// Close releases the storage backend.
func (a *app) Close() error {
	return a.backend.Close()
}

// requireRoute gates a command behind the guard rule for route.
func (a *app) requireRoute(route string) error {
	d := a.guard.Check(route, a.session.State())
	if d.Err != nil {
		return fmt.Errorf("checking access to %s: %w", route, d.Err)
	}
	if !d.Allowed {
		return fmt.Errorf("%s requires an authenticated session (redirected to %s); run 'newsctl login' first", route, d.Redirect)
	}
	return nil
}

func (a *app) principalName() string {
	if p := a.session.State().Principal; p != nil {
		return p.DisplayName
	}
	return ""
}

// withApp builds the app for a command, runs fn and releases it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("closing session storage", "error", err)
		}
	}()
	return fn(cmd.Context(), a)
}
