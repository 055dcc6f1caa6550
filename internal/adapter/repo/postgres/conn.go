package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.parse_config: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.new_pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=postgres.ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the dead-letter archive table if missing.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	q := `CREATE TABLE IF NOT EXISTS dead_letter_entries (
		id TEXT PRIMARY KEY,
		record_key TEXT NOT NULL,
		record_kind TEXT NOT NULL,
		record JSONB NOT NULL,
		reason TEXT NOT NULL,
		attempts_exhausted INT NOT NULL,
		moved_at TIMESTAMPTZ NOT NULL,
		replayed_at TIMESTAMPTZ
	)`
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("op=postgres.ensure_schema: %w", err)
	}
	return nil
}
