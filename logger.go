package rawvec

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with raw-vector specific helpers.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithStore tags log records with the store name.
func (l *Logger) WithStore(name string) *Logger {
	return &Logger{Logger: l.Logger.With("store", name)}
}

// WithPath tags log records with a dump path.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{Logger: l.Logger.With("path", path)}
}

// LogAdd logs an add of count vectors for docid.
func (l *Logger) LogAdd(ctx context.Context, docid, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add failed", "docid", docid, "count", count, "error", err)
		return
	}
	l.DebugContext(ctx, "add completed", "docid", docid, "count", count)
}

// LogTombstone logs a vid range kept allocated after a failed store write.
func (l *Logger) LogTombstone(ctx context.Context, docid, start, count int, err error) {
	l.WarnContext(ctx, "store write failed, vids tombstoned",
		"docid", docid,
		"start_vid", start,
		"count", count,
		"error", err,
	)
}

// LogFlush logs one flush pass. Failures escalate to error level once
// consecutive reaches the escalation threshold.
func (l *Logger) LogFlush(ctx context.Context, flushed int, total int64, consecutive int, escalate bool, err error) {
	switch {
	case err != nil && escalate:
		l.ErrorContext(ctx, "flush failing repeatedly",
			"consecutive_failures", consecutive,
			"nflushed", total,
			"error", err,
		)
	case err != nil:
		l.WarnContext(ctx, "flush failed, will retry",
			"consecutive_failures", consecutive,
			"nflushed", total,
			"error", err,
		)
	case flushed > 0:
		l.DebugContext(ctx, "flush completed", "flushed", flushed, "nflushed", total)
	}
}

// LogDump logs a dump of count vids starting at start.
func (l *Logger) LogDump(ctx context.Context, path string, start, count int, dur time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "dump failed",
			"path", path,
			"start_vid", start,
			"count", count,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "dump completed",
		"path", path,
		"start_vid", start,
		"count", count,
		"duration", dur,
	)
}

// LogLoad logs a load of docs documents and vectors vids.
func (l *Logger) LogLoad(ctx context.Context, paths []string, docs, vectors int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed", "paths", paths, "error", err)
		return
	}
	l.InfoContext(ctx, "load completed",
		"paths", paths,
		"docs", docs,
		"vectors", vectors,
	)
}
