package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/newsdesk/internal/guard"
	"github.com/szaher/newsdesk/internal/keepalive"
	"github.com/szaher/newsdesk/internal/session"
	"github.com/szaher/newsdesk/internal/storage"
	"github.com/szaher/newsdesk/internal/telemetry"
)

func newWatchCmd() *cobra.Command {
	var (
		route       string
		schedule    string
		metricsAddr string
		noMetrics   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and report when it ends",
		Long: `Run in the foreground, probing the API on a schedule so a revoked or
expired token is noticed and cleared. Logins and logouts made by other
newsctl processes sharing the session file are picked up as they happen.

Prometheus metrics are served on /metrics while watch runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				if schedule == "" {
					schedule = a.cfg.KeepAlive.Schedule
				}
				if !cmd.Flags().Changed("metrics-addr") {
					metricsAddr = a.cfg.Metrics.Addr
				}
				return runWatch(ctx, a, watchOptions{
					route:       route,
					schedule:    schedule,
					metricsAddr: metricsAddr,
					noMetrics:   noMetrics,
				})
			})
		},
	}

	cmd.Flags().StringVar(&route, "route", routeAdminDashboard, "Route whose access is reported on every session change")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Keep-alive schedule (cron spec or @every, default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the /metrics endpoint (default from config)")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Do not serve /metrics")

	return cmd
}

type watchOptions struct {
	route       string
	schedule    string
	metricsAddr string
	noMetrics   bool
}

func runWatch(ctx context.Context, a *app, opts watchOptions) error {
	printState(a, a.session.State())
	cancelState := a.session.Subscribe(func(st session.State) { printState(a, st) })
	defer cancelState()
	cancelGuard := a.session.Subscribe(a.guard.Subscriber(opts.route, func(d guard.Decision) {
		fmt.Fprintf(a.out, "%s is no longer accessible; redirecting to %s\n", opts.route, d.Redirect)
	}))
	defer cancelGuard()

	keeper, err := keepalive.New(opts.schedule, a.session,
		func(ctx context.Context) error {
			_, err := a.auth.Profile(ctx)
			return err
		},
		keepalive.WithLogger(telemetry.RequestLogger(a.base, ctx, "keepalive")),
		keepalive.WithTimeout(a.cfg.KeepAlive.Timeout),
		keepalive.WithResultHook(func(outcome string, err error) {
			if err != nil {
				a.logger.Warn("keep-alive probe", "outcome", outcome, "error", err)
				return
			}
			a.logger.Debug("keep-alive probe", "outcome", outcome)
		}),
	)
	if err != nil {
		return err
	}
	keeper.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keeper.Stop(stopCtx)
	}()

	g, ctx := errgroup.WithContext(ctx)

	if fb, ok := a.backend.(*storage.FileBackend); ok {
		g.Go(func() error {
			return fb.Watch(ctx, func() { a.session.Reload(ctx) })
		})
	}

	if !opts.noMetrics && opts.metricsAddr != "" {
		ln, err := net.Listen("tcp", opts.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		a.logger.Info("serving metrics", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

func printState(a *app, st session.State) {
	if st.Authenticated {
		fmt.Fprintf(a.out, "session: authenticated as %s\n", st.Principal.DisplayName)
		return
	}
	fmt.Fprintln(a.out, "session: unauthenticated")
}
