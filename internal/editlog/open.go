package editlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a journal backend.
type Options struct {
	Backend string
	Path    string // file and sqlite
	URL     string // postgres
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Log, error) {
	switch opts.Backend {
	case BackendFile, "":
		return OpenFileLog(opts.Path, logger)
	case BackendSQLite:
		return OpenSQLiteLog(ctx, opts.Path)
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, opts.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to journal database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging journal database: %w", err)
		}
		l, err := NewPgLog(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		l.ownsPool = true
		return l, nil
	case BackendMemory:
		return NewMemoryLog(), nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", opts.Backend)
	}
}
