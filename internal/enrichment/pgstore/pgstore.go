// Package pgstore provides a PostgreSQL implementation of enrichment.Store.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/linnemanlabs/certguard/internal/enrichment"
)

const tracerName = "github.com/linnemanlabs/certguard/internal/enrichment/pgstore"

//go:embed migrations/*.sql
var migrations embed.FS

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long an identity lives after its last append.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMaxRecords caps the records kept per identity.
func WithMaxRecords(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRecords = n
		}
	}
}

// WithClock sets the time source for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists enrichment records in PostgreSQL, one JSONB list per identity.
type Store struct {
	pool       *pgxpool.Pool
	retention  time.Duration
	maxRecords int
	now        func() time.Time
}

// New applies the embedded migrations and returns a ready Store. The caller owns pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	s := &Store{
		pool:       pool,
		retention:  enrichment.DefaultRetention,
		maxRecords: enrichment.DefaultMaxRecords,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	// the sql.DB borrows connections from pool and holds none idle
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append merges rec into the identity's list inside one transaction. The row lock
// serializes concurrent appends for the same identity.
func (s *Store) Append(ctx context.Context, submitterID string, rec *enrichment.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Append", "UPSERT")
	defer span.End()

	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx,
		`INSERT INTO enrichment_entries (submitter_id, records, expires_at)
		 VALUES ($1, '[]'::jsonb, $2)
		 ON CONFLICT (submitter_id) DO NOTHING`,
		submitterID, now,
	); err != nil {
		return fail(span, fmt.Errorf("insert entry: %w", err))
	}

	var (
		recordsJSON []byte
		expiresAt   time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT records, expires_at FROM enrichment_entries WHERE submitter_id = $1 FOR UPDATE`,
		submitterID,
	).Scan(&recordsJSON, &expiresAt); err != nil {
		return fail(span, fmt.Errorf("lock entry: %w", err))
	}

	var existing []enrichment.Record
	if now.Before(expiresAt) {
		if err := json.Unmarshal(recordsJSON, &existing); err != nil {
			return fail(span, fmt.Errorf("unmarshal records: %w", err))
		}
	}

	merged, err := json.Marshal(enrichment.MergeRecords(existing, rec, s.maxRecords))
	if err != nil {
		return fail(span, fmt.Errorf("marshal records: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE enrichment_entries SET records = $2, expires_at = $3, updated_at = $4 WHERE submitter_id = $1`,
		submitterID, merged, now.Add(s.retention), now,
	); err != nil {
		return fail(span, fmt.Errorf("update entry: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Int("certguard.store.records", min(len(existing)+1, s.maxRecords)))
	return nil
}

// List returns the identity's unexpired records, newest first.
func (s *Store) List(ctx context.Context, submitterID string) (*enrichment.List, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT records FROM enrichment_entries WHERE submitter_id = $1 AND expires_at > $2`,
		submitterID, s.now(),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query entry: %w", err))
	}
	defer rows.Close()

	var records []enrichment.Record
	for rows.Next() {
		var recordsJSON []byte
		if err := rows.Scan(&recordsJSON); err != nil {
			return nil, fail(span, fmt.Errorf("scan entry: %w", err))
		}
		if err := json.Unmarshal(recordsJSON, &records); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal records: %w", err))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate entries: %w", err))
	}
	return enrichment.NewList(records), nil
}

// Sweep deletes expired identities and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.Sweep", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM enrichment_entries WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fail(span, fmt.Errorf("delete expired: %w", err))
	}
	return int(tag.RowsAffected()), nil
}
