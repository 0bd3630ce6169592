package output

import (
	"context"
	"errors"
	"log/slog"
)

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make(fanout, len(f))
	for i, h := range f {
		handlers[i] = h.WithAttrs(attrs)
	}
	return handlers
}

func (f fanout) WithGroup(name string) slog.Handler {
	handlers := make(fanout, len(f))
	for i, h := range f {
		handlers[i] = h.WithGroup(name)
	}
	return handlers
}
