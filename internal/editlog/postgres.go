package editlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS _alterd_journal (
	seq        BIGINT      PRIMARY KEY,
	op         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgLog stores entries in a Postgres table. Sequence numbers are assigned
// by the writer so that a second writer on the same table is detected.
type PgLog struct {
	mu       sync.Mutex
	pool     *pgxpool.Pool
	last     uint64
	ownsPool bool
}

// NewPgLog ensures the journal table exists and loads the head sequence.
func NewPgLog(ctx context.Context, pool *pgxpool.Pool) (*PgLog, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("creating journal table: %w", err)
	}
	var last *int64
	if err := pool.QueryRow(ctx, `SELECT MAX(seq) FROM _alterd_journal`).Scan(&last); err != nil {
		return nil, fmt.Errorf("reading journal head: %w", err)
	}
	l := &PgLog{pool: pool}
	if last != nil {
		l.last = uint64(*last)
	}
	return l, nil
}

func (l *PgLog) Append(ctx context.Context, op OpType, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.last + 1
	_, err := l.pool.Exec(ctx,
		`INSERT INTO _alterd_journal (seq, op, data) VALUES ($1, $2, $3)`,
		int64(seq), string(op), data,
	)
	if err != nil {
		return 0, classifyDBErr(fmt.Errorf("appending journal entry %d: %w", seq, err))
	}
	l.last = seq
	return seq, nil
}

func (l *PgLog) Read(ctx context.Context, afterSeq uint64, fn func(Entry) error) error {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, op, data, created_at FROM _alterd_journal WHERE seq > $1 ORDER BY seq`, int64(afterSeq))
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return fmt.Errorf("scanning journal: %w", err)
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		seq  int64
		op   string
		data []byte
		ts   time.Time
	)
	if err := row.Scan(&seq, &op, &data, &ts); err != nil {
		return Entry{}, err
	}
	return Entry{Seq: uint64(seq), Op: OpType(op), Data: data, Time: ts.UTC()}, nil
}

func (l *PgLog) LastSeq(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, nil
}

func (l *PgLog) Truncate(ctx context.Context, uptoSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	uptoSeq = retainNewest(uptoSeq, l.last)
	if _, err := l.pool.Exec(ctx, `DELETE FROM _alterd_journal WHERE seq <= $1`, int64(uptoSeq)); err != nil {
		return fmt.Errorf("truncating journal: %w", err)
	}
	return nil
}

// Close releases the pool only if Open created it.
func (l *PgLog) Close() error {
	if l.ownsPool {
		l.pool.Close()
	}
	return nil
}

func classifyDBErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %w", ErrConcurrentWriter, err)
		}
	}
	return err
}
