package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgPool is the global Postgres connection pool. It stays nil when the API
// runs without Postgres; conversation history then falls back to memory.
var PgPool *pgxpool.Pool

// LoadPostgres creates and pings the Postgres connection pool.
func LoadPostgres(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	PgPool = pool
	return nil
}

// ClosePostgres closes the Postgres pool if one was opened.
func ClosePostgres() {
	if PgPool != nil {
		PgPool.Close()
		PgPool = nil
	}
}
