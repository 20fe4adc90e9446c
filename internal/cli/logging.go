package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/allyourbase/alterd/internal/server"
)

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// newLogger builds the server logger: stderr at the configured level, a
// daily log file at DEBUG when one can be opened, and a ring buffer behind
// /api/admin/logs. It returns the stderr level var for runtime adjustment,
// the log file path ("" without a file) and a closer.
func newLogger(level, format string) (*slog.Logger, *slog.LevelVar, *server.LogBuffer, string, func()) {
	var lvlVar slog.LevelVar
	lvlVar.Set(parseSlogLevel(level))
	opts := &slog.HandlerOptions{Level: &lvlVar}

	var stderrHandler slog.Handler
	if format == "text" {
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	}

	inner, logPath, closeFn := stderrHandler, "", func() {}
	if path := logFilePath(); path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
			inner = &multiHandler{handlers: []slog.Handler{stderrHandler, fileHandler}}
			logPath, closeFn = path, func() { f.Close() }
			go cleanOldLogs()
		}
	}

	buf := server.NewLogBuffer(inner, logBufferSize)
	return slog.New(buf), &lvlVar, buf, logPath, closeFn
}

// newQuietLogger is used by offline commands, which print their own output.
func newQuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func parseSlogLevel(level string) slog.Level {
	switch level {
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
