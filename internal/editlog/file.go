package editlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxEntryBytes = 64 << 20

// journalFile is the part of *os.File the log uses.
type journalFile interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// FileLog stores one JSON entry per line in a single file. Each Append is
// fsynced before it returns. A failed Append leaves the file as it was
// before the call.
type FileLog struct {
	mu     sync.Mutex
	path   string
	f      journalFile
	last   uint64
	broken error
	logger *slog.Logger
}

// OpenFileLog opens or creates the journal at path. A partially written
// trailing line left by a crash is cut off.
func OpenFileLog(path string, logger *slog.Logger) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	l := &FileLog{path: path, f: f, logger: logger}
	good, err := l.recover()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking journal: %w", err)
	}
	return l, nil
}

// recover scans the file, records the last sequence and returns the offset
// just past the last complete entry.
func (l *FileLog) recover() (int64, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking journal: %w", err)
	}
	r := bufio.NewReader(l.f)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				l.logger.Warn("discarding torn journal entry", "path", l.path, "offset", offset, "bytes", len(line))
				if terr := l.f.Truncate(offset); terr != nil {
					return 0, fmt.Errorf("truncating torn journal entry: %w", terr)
				}
			}
			return offset, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading journal: %w", err)
		}
		var e Entry
		if jerr := json.Unmarshal(bytes.TrimSpace(line), &e); jerr != nil {
			return 0, fmt.Errorf("%w: offset %d: %v", ErrCorrupt, offset, jerr)
		}
		l.last = e.Seq
		offset += int64(len(line))
	}
}

func (l *FileLog) Append(_ context.Context, op OpType, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, ErrClosed
	}
	e := Entry{Seq: l.last + 1, Op: op, Data: data, Time: time.Now().UTC()}
	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encoding journal entry: %w", err)
	}
	line = append(line, '\n')
	if l.broken != nil {
		return 0, l.broken
	}
	offset, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("locating journal end: %w", err)
	}
	if _, err := l.f.Write(line); err != nil {
		return 0, l.rollback(offset, fmt.Errorf("writing journal entry: %w", err))
	}
	if err := l.f.Sync(); err != nil {
		return 0, l.rollback(offset, fmt.Errorf("syncing journal: %w", err))
	}
	l.last = e.Seq
	return e.Seq, nil
}

// rollback cuts the file back to offset after a failed append, so the next
// entry neither follows a torn line nor reuses the sequence of one that may
// already be on disk. If the cut fails the log refuses further appends.
func (l *FileLog) rollback(offset int64, cause error) error {
	err := l.f.Truncate(offset)
	if err == nil {
		_, err = l.f.Seek(offset, io.SeekStart)
	}
	if err == nil {
		err = l.f.Sync()
	}
	if err != nil {
		l.broken = fmt.Errorf("%w: %w (undo: %v)", ErrBroken, cause, err)
		l.logger.Error("journal append could not be undone, refusing further appends",
			"path", l.path, "offset", offset, "error", err)
		return l.broken
	}
	l.logger.Warn("journal append failed, entry discarded", "path", l.path, "seq", l.last+1, "error", cause)
	return cause
}

func (l *FileLog) Read(ctx context.Context, afterSeq uint64, fn func(Entry) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("opening journal for read: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxEntryBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if e.Seq <= afterSeq {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (l *FileLog) LastSeq(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, nil
}

// Truncate rewrites the file without the covered prefix. The new file is
// written next to the old one and renamed over it.
func (l *FileLog) Truncate(ctx context.Context, uptoSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	uptoSeq = retainNewest(uptoSeq, l.last)

	tmp := l.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating truncated journal: %w", err)
	}
	w := bufio.NewWriter(out)
	werr := l.Read(ctx, uptoSeq, func(e Entry) error {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = w.Write(append(line, '\n'))
		return err
	})
	if werr == nil {
		werr = w.Flush()
	}
	if werr == nil {
		werr = out.Sync()
	}
	out.Close()
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing truncated journal: %w", werr)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing journal: %w", err)
	}

	l.f.Close()
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		l.f = nil
		return fmt.Errorf("reopening journal: %w", err)
	}
	l.f = f
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
