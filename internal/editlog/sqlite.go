package editlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS journal (
	seq        INTEGER PRIMARY KEY,
	op         TEXT    NOT NULL,
	data       BLOB    NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLiteLog stores entries in an embedded SQLite database.
type SQLiteLog struct {
	mu   sync.Mutex
	db   *sql.DB
	last uint64
}

// OpenSQLiteLog opens the journal database at path, creating it if needed.
func OpenSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite journal: %w", err)
	}
	// A single connection serializes writers and keeps WAL mode per file.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA synchronous=FULL`, sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing sqlite journal: %w", err)
		}
	}
	l := &SQLiteLog{db: db}
	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading sqlite journal head: %w", err)
	}
	l.last = uint64(last.Int64)
	return l, nil
}

func (l *SQLiteLog) Append(ctx context.Context, op OpType, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.last + 1
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO journal (seq, op, data, created_at) VALUES (?, ?, ?, ?)`,
		int64(seq), string(op), data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("%w: seq %d", ErrConcurrentWriter, seq)
		}
		return 0, fmt.Errorf("appending sqlite journal entry: %w", err)
	}
	l.last = seq
	return seq, nil
}

func (l *SQLiteLog) Read(ctx context.Context, afterSeq uint64, fn func(Entry) error) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, op, data, created_at FROM journal WHERE seq > ? ORDER BY seq`, int64(afterSeq))
	if err != nil {
		return fmt.Errorf("reading sqlite journal: %w", err)
	}
	// Entries are collected first because the single connection is held
	// by rows until they are closed.
	var entries []Entry
	for rows.Next() {
		var (
			seq  int64
			op   string
			data []byte
			ms   int64
		)
		if err := rows.Scan(&seq, &op, &data, &ms); err != nil {
			rows.Close()
			return fmt.Errorf("scanning sqlite journal entry: %w", err)
		}
		entries = append(entries, Entry{Seq: uint64(seq), Op: OpType(op), Data: data, Time: time.UnixMilli(ms).UTC()})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating sqlite journal: %w", err)
	}
	rows.Close()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLiteLog) LastSeq(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, nil
}

func (l *SQLiteLog) Truncate(ctx context.Context, uptoSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	uptoSeq = retainNewest(uptoSeq, l.last)
	if _, err := l.db.ExecContext(ctx, `DELETE FROM journal WHERE seq <= ?`, int64(uptoSeq)); err != nil {
		return fmt.Errorf("truncating sqlite journal: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
