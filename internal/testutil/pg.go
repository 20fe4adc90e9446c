package testutil

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGContainer is a Postgres instance shared by one test binary.
type PGContainer struct {
	Pool       *pgxpool.Pool
	ConnString string
}

// StartPostgresForTestMain connects to TEST_DATABASE_URL, which
// internal/testutil/cmd/testpg sets for the test command it wraps. It is
// meant to be called from TestMain and panics when no database is reachable.
func StartPostgresForTestMain(ctx context.Context) (*PGContainer, func()) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		panic("TEST_DATABASE_URL is not set; run integration tests via: go run ./internal/testutil/cmd/testpg -- go test -tags=integration ./...")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		panic(fmt.Sprintf("connecting to test database: %v", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		panic(fmt.Sprintf("pinging test database: %v", err))
	}
	return &PGContainer{Pool: pool, ConnString: url}, pool.Close
}
