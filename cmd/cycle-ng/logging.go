package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"

	"cycle-ng/internal/config"
)

// newLogger writes colored output to console and an uncolored copy to the
// in-memory buffer served at /api/logs. It also becomes the slog default.
func newLogger(console io.Writer, buffer io.Writer, cfg config.LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	h := teeHandler{
		tint.NewHandler(console, &tint.Options{Level: level, TimeFormat: time.TimeOnly, NoColor: cfg.NoColor}),
	}
	if buffer != nil {
		h = append(h, tint.NewHandler(buffer, &tint.Options{Level: level, TimeFormat: time.RFC3339, NoColor: true}))
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// teeHandler fans records out to every handler that accepts the level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
