package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry represents a single captured log line.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`

	level slog.Level
}

// logRing is shared by a LogBuffer and every handler derived from it.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	pos     int
	full    bool
}

// LogBuffer is a ring-buffer slog.Handler that captures recent log entries
// while forwarding them to a wrapped handler.
type LogBuffer struct {
	inner slog.Handler
	ring  *logRing
	attrs []slog.Attr
	group string
}

// NewLogBuffer creates a LogBuffer wrapping the given handler, retaining up to maxSize entries.
func NewLogBuffer(inner slog.Handler, maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LogBuffer{inner: inner, ring: &logRing{entries: make([]LogEntry, maxSize)}}
}

func (lb *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return lb.inner.Enabled(ctx, level)
}

// Handle captures the log record into the ring buffer and forwards to the inner handler.
func (lb *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		level:   r.Level,
	}
	if n := len(lb.attrs) + r.NumAttrs(); n > 0 {
		entry.Attrs = make(map[string]any, n)
		for _, a := range lb.attrs {
			entry.Attrs[lb.key(a.Key)] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[lb.key(a.Key)] = a.Value.Any()
			return true
		})
	}

	ring := lb.ring
	ring.mu.Lock()
	ring.entries[ring.pos] = entry
	ring.pos++
	if ring.pos >= len(ring.entries) {
		ring.pos = 0
		ring.full = true
	}
	ring.mu.Unlock()

	return lb.inner.Handle(ctx, r)
}

func (lb *LogBuffer) key(k string) string {
	if lb.group == "" {
		return k
	}
	return lb.group + "." + k
}

func (lb *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *lb
	next.inner = lb.inner.WithAttrs(attrs)
	next.attrs = append(append([]slog.Attr(nil), lb.attrs...), attrs...)
	return &next
}

func (lb *LogBuffer) WithGroup(name string) slog.Handler {
	next := *lb
	next.inner = lb.inner.WithGroup(name)
	next.group = lb.key(name)
	return &next
}

// Entries returns the buffered entries at or above minLevel in chronological order.
func (lb *LogBuffer) Entries(minLevel slog.Level) []LogEntry {
	ring := lb.ring
	ring.mu.Lock()
	defer ring.mu.Unlock()

	ordered := ring.entries[:ring.pos]
	if ring.full {
		ordered = append(append([]LogEntry(nil), ring.entries[ring.pos:]...), ring.entries[:ring.pos]...)
	}
	result := make([]LogEntry, 0, len(ordered))
	for _, e := range ordered {
		if e.level >= minLevel {
			result = append(result, e)
		}
	}
	return result
}
