package logging

import (
	"context"
	"log/slog"
)

// AttrProvider returns dynamic attributes to attach to every record, e.g.
// the current session state.
type AttrProvider func() []slog.Attr

// StateHandler wraps another handler and stamps each record with dynamic
// attributes from the provider at log time.
type StateHandler struct {
	inner    slog.Handler
	provider AttrProvider
}

// NewStateHandler creates a handler that adds dynamic attributes to each
// record before delegating to inner.
func NewStateHandler(inner slog.Handler, provider AttrProvider) *StateHandler {
	return &StateHandler{inner: inner, provider: provider}
}

// Enabled delegates to the inner handler.
func (h *StateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle stamps the record and delegates to the inner handler.
func (h *StateHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider != nil {
		r.AddAttrs(h.provider()...)
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new StateHandler with the attributes added.
func (h *StateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StateHandler{inner: h.inner.WithAttrs(attrs), provider: h.provider}
}

// WithGroup returns a new StateHandler with the group added.
func (h *StateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &StateHandler{inner: h.inner.WithGroup(name), provider: h.provider}
}
