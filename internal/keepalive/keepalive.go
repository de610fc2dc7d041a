// Package keepalive periodically probes the API with the current session so
// that a token revoked or expired server-side is noticed, and cleared, while
// the client sits idle.
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/newsdesk/internal/apiclient"
	"github.com/szaher/newsdesk/internal/session"
)

// DefaultSchedule probes every five minutes.
const DefaultSchedule = "@every 5m"

// Outcomes passed to the result callback.
const (
	OutcomeSkipped = "skipped"
	OutcomeOK      = "ok"
	OutcomeExpired = "expired"
	OutcomeError   = "error"
)

// SessionView is the read side of the session store.
type SessionView interface {
	State() session.State
}

// ProbeFunc makes one authenticated request. A 401 from it is expected to
// end the session through the API client's unauthorized handler.
type ProbeFunc func(ctx context.Context) error

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// WithTimeout bounds each probe. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(k *Keeper) { k.timeout = d }
}

// WithResultHook is called after every run with its outcome.
func WithResultHook(fn func(outcome string, err error)) Option {
	return func(k *Keeper) { k.onResult = fn }
}

// Keeper runs the probe on a cron schedule.
type Keeper struct {
	schedule string
	session  SessionView
	probe    ProbeFunc
	logger   *slog.Logger
	timeout  time.Duration
	onResult func(outcome string, err error)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New validates the schedule and builds a stopped Keeper.
func New(schedule string, sess SessionView, probe ProbeFunc, opts ...Option) (*Keeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	k := &Keeper{
		schedule: schedule,
		session:  sess,
		probe:    probe,
		logger:   slog.Default(),
		timeout:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(k)
	}

	log := cronLogger{k.logger}
	k.cron = cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if _, err := k.cron.AddFunc(schedule, func() { _ = k.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("keepalive schedule %q: %w", schedule, err)
	}
	return k, nil
}

// Start begins probing in the background. Calling it twice is a no-op.
func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}
	k.running = true
	k.cron.Start()
	k.logger.Debug("keepalive started", "schedule", k.schedule)
}

// Stop halts the schedule and waits for a running probe to finish or ctx to
// end.
func (k *Keeper) Stop(ctx context.Context) {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	done := k.cron.Stop()
	k.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce probes immediately. An unauthenticated session is skipped.
func (k *Keeper) RunOnce(ctx context.Context) error {
	if !k.session.State().Authenticated {
		k.report(OutcomeSkipped, nil)
		return nil
	}

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	err := k.probe(ctx)
	switch {
	case err == nil:
		k.report(OutcomeOK, nil)
	case apiclient.IsUnauthorized(err):
		k.logger.Info("session rejected by API")
		k.report(OutcomeExpired, err)
	default:
		k.logger.Warn("keepalive probe failed", "error", err)
		k.report(OutcomeError, err)
	}
	return err
}

func (k *Keeper) report(outcome string, err error) {
	if k.onResult != nil {
		k.onResult(outcome, err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
