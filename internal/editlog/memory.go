package editlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps entries in memory. It is not durable.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	last    uint64
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, op OpType, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.last++
	m.entries = append(m.entries, Entry{
		Seq:  m.last,
		Op:   op,
		Data: append([]byte(nil), data...),
		Time: time.Now().UTC(),
	})
	return m.last, nil
}

func (m *MemoryLog) Read(ctx context.Context, afterSeq uint64, fn func(Entry) error) error {
	m.mu.Lock()
	snapshot := append([]Entry(nil), m.entries...)
	m.mu.Unlock()
	for _, e := range snapshot {
		if e.Seq <= afterSeq {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLog) LastSeq(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *MemoryLog) Truncate(_ context.Context, uptoSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	uptoSeq = retainNewest(uptoSeq, m.last)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Seq > uptoSeq {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// Entries returns a copy of every retained entry.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
