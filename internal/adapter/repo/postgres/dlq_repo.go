// Package postgres provides PostgreSQL database adapters.
//
// It implements the dead-letter archive for operator inspection and
// replay. The package provides type-safe database operations with
// connection pooling.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// DLQRepo persists dead-letter entries using a minimal pgx pool.
type DLQRepo struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// Insert archives a dead-letter entry. Re-inserting the same entry id is a
// no-op so the archiver can safely reprocess after a crash.
func (r *DLQRepo) Insert(ctx domain.Context, entry domain.DeadLetterEntry) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "dead_letter_entries"),
	)

	record, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("op=dlq.insert: marshal record: %w", err)
	}
	q := `INSERT INTO dead_letter_entries (id, record_key, record_kind, record, reason, attempts_exhausted, moved_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q,
		entry.ID, entry.Record.Key, string(entry.Record.Kind), record,
		entry.Reason, entry.AttemptsExhausted, entry.MovedAt)
	if err != nil {
		return fmt.Errorf("op=dlq.insert: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// List returns entries newest first.
func (r *DLQRepo) List(ctx domain.Context, limit, offset int) ([]domain.DeadLetterEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "dead_letter_entries"),
	)

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT id, record, reason, attempts_exhausted, moved_at, replayed_at
	      FROM dead_letter_entries ORDER BY id DESC LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dlq.list: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	return out, nil
}

// Get loads one entry by id.
func (r *DLQRepo) Get(ctx domain.Context, id string) (domain.DeadLetterEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "dead_letter_entries"),
	)

	q := `SELECT id, record, reason, attempts_exhausted, moved_at, replayed_at
	      FROM dead_letter_entries WHERE id=$1`
	entry, err := scanEntry(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return entry, nil
}

// MarkReplayed records that an operator replayed the entry.
func (r *DLQRepo) MarkReplayed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.MarkReplayed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "dead_letter_entries"),
	)

	q := `UPDATE dead_letter_entries SET replayed_at=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=dlq.mark_replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.mark_replayed: entry %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.DeadLetterEntry, error) {
	var entry domain.DeadLetterEntry
	var record []byte
	if err := row.Scan(&entry.ID, &record, &entry.Reason, &entry.AttemptsExhausted, &entry.MovedAt, &entry.ReplayedAt); err != nil {
		return domain.DeadLetterEntry{}, err
	}
	if err := json.Unmarshal(record, &entry.Record); err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("decode record: %w", err)
	}
	return entry, nil
}
