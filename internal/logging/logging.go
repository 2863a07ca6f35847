// Package logging wraps zerolog with request-scoped context enrichment,
// in the shape of kbukum-gokit's logger package: a package-level global
// plus a From that pulls correlation id and user id out of a
// context.Context so every log line for a request carries them without
// every call site threading them through by hand.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	ctxCorrelationID ctxKey = "correlation_id"
	ctxUserID        ctxKey = "user_id"
)

var global zerolog.Logger

// Init configures the global logger's level and output format. level is
// one of zerolog's level names ("debug", "info", "warn", "error");
// unrecognized values fall back to info. pretty selects a human-readable
// console writer instead of structured JSON — useful for local dev, off
// by default in any real deployment.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		global = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
		return
	}
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// WithCorrelationID returns a context carrying id, picked up by every log
// line From(ctx) emits afterward.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationID, id)
}

// WithUserID returns a context carrying userID for log enrichment.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// From returns a logger enriched with whatever request-scoped fields ctx
// carries. Falls back to a bare global logger before Init is called, so
// package init order and tests never panic on a nil logger.
func From(ctx context.Context) *zerolog.Logger {
	l := global
	zc := l.With()
	enriched := false

	if v, ok := ctx.Value(ctxCorrelationID).(string); ok && v != "" {
		zc = zc.Str("correlation_id", v)
		enriched = true
	}
	if v, ok := ctx.Value(ctxUserID).(int64); ok {
		zc = zc.Int64("user_id", v)
		enriched = true
	}
	if !enriched {
		return &l
	}
	logger := zc.Logger()
	return &logger
}
