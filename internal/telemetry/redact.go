package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Redacted replaces secret values in log output.
const Redacted = "***REDACTED***"

// RedactHandler wraps a slog handler and scrubs registered secrets, such
// as bearer tokens, from messages and string attributes.
type RedactHandler struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]struct{}
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]struct{}),
	}
}

// AddSecret registers a value to scrub. Empty values are ignored.
func (h *RedactHandler) AddSecret(value string) {
	if value == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets[value] = struct{}{}
}

func (h *RedactHandler) snapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.secrets))
	for s := range h.secrets {
		out = append(out, s)
	}
	return out
}

// Enabled delegates to the inner handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle scrubs the record and passes it on.
func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	secrets := h.snapshot()
	if len(secrets) == 0 {
		return h.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs shares the secret set with the parent so later AddSecret calls
// apply to derived loggers too.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := h.snapshot()
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a, secrets)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(scrubbed), mu: h.mu, secrets: h.secrets}
}

// WithGroup shares the secret set with the parent.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), mu: h.mu, secrets: h.secrets}
}

// RedactString scrubs s.
func (h *RedactHandler) RedactString(s string) string {
	return scrub(s, h.snapshot())
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(a.Value.String(), secrets))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}
