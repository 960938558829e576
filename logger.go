package segkv

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with segkv field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, a text handler writing to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil))
}

// WithIndex tags records with an index.
func (l *Logger) WithIndex(index int) *Logger {
	return &Logger{Logger: l.Logger.With("index", index)}
}

// WithSegment tags records with a segment id.
func (l *Logger) WithSegment(id int) *Logger {
	return &Logger{Logger: l.Logger.With("segment", id)}
}

// LogSet logs a Set or Delete.
func (l *Logger) LogSet(ctx context.Context, index int, scn int64, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "set failed", "index", index, "scn", scn, "size", size, "error", err)
		return
	}
	l.DebugContext(ctx, "set completed", "index", index, "scn", scn, "size", size)
}

// LogCompaction logs one compaction pass.
func (l *Logger) LogCompaction(ctx context.Context, st CompactionStats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"candidates", st.Candidates,
			"relocated", st.Relocated,
			"error", err,
		)
		return
	}
	if st.Candidates == 0 {
		return
	}
	l.InfoContext(ctx, "compaction completed",
		"candidates", st.Candidates,
		"relocated", st.Relocated,
		"bytes", st.Bytes,
		"freed", st.Freed,
	)
}

// LogRecovery logs the outcome of opening a store.
func (l *Logger) LogRecovery(ctx context.Context, lwm, hwm int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed", "error", err)
		return
	}
	l.InfoContext(ctx, "store opened", "lwm", lwm, "hwm", hwm)
}

// LogBackup logs a backup or restore.
func (l *Logger) LogBackup(ctx context.Context, op, id string, files int, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed", "backup", id, "error", err)
		return
	}
	l.InfoContext(ctx, op+" completed", "backup", id, "files", files)
}
