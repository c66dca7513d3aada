package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rlguard/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS guard_records (
    identifier        TEXT        NOT NULL,
    action            TEXT        NOT NULL,
    attempts          INTEGER     NOT NULL DEFAULT 0,
    window_expires_at TIMESTAMPTZ,
    blocked_until     TIMESTAMPTZ,
    last_attempt_at   TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    version           BIGINT      NOT NULL,
    PRIMARY KEY (identifier, action)
);
CREATE INDEX IF NOT EXISTS idx_guard_records_blocked_until ON guard_records (blocked_until) WHERE blocked_until IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_guard_records_window_expires_at ON guard_records (window_expires_at);
`

const postgresColumns = `identifier, action, attempts, window_expires_at, blocked_until, last_attempt_at, created_at, version`

// PostgresStore implements the Store interface using PostgreSQL via pgx.
// Conditional writes rely on the version column: INSERT ... ON CONFLICT DO NOTHING
// for creation and UPDATE ... WHERE version = $n for replacement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL storage instance and applies the schema.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Get retrieves the record for a pair.
func (ps *PostgresStore) Get(ctx context.Context, identifier, action string) (*models.GuardRecord, error) {
	row := ps.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM guard_records WHERE identifier = $1 AND action = $2`,
		identifier, action)

	rec, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get guard record: %w", err)
	}
	return rec, nil
}

// Create inserts a record if the pair is unseen.
func (ps *PostgresStore) Create(ctx context.Context, record *models.GuardRecord) error {
	tag, err := ps.pool.Exec(ctx,
		`INSERT INTO guard_records (`+postgresColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		 ON CONFLICT (identifier, action) DO NOTHING`,
		record.Identifier,
		record.Action,
		record.Attempts,
		optionalTime(record.WindowExpiresAt),
		record.BlockedUntil,
		optionalTime(record.LastAttemptAt),
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create guard record: %w", err)
	}

	if err := expectOneTag(tag); err != nil {
		return err
	}
	record.Version = 1
	return nil
}

// Update replaces a record when its version still matches.
func (ps *PostgresStore) Update(ctx context.Context, record *models.GuardRecord, expectedVersion int64) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE guard_records
		 SET attempts = $1, window_expires_at = $2, blocked_until = $3, last_attempt_at = $4, version = version + 1
		 WHERE identifier = $5 AND action = $6 AND version = $7`,
		record.Attempts,
		optionalTime(record.WindowExpiresAt),
		record.BlockedUntil,
		optionalTime(record.LastAttemptAt),
		record.Identifier,
		record.Action,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update guard record: %w", err)
	}

	if err := expectOneTag(tag); err != nil {
		return err
	}
	record.Version = expectedVersion + 1
	return nil
}

// Delete removes the record for a pair.
func (ps *PostgresStore) Delete(ctx context.Context, identifier, action string) error {
	if _, err := ps.pool.Exec(ctx,
		`DELETE FROM guard_records WHERE identifier = $1 AND action = $2`,
		identifier, action); err != nil {
		return fmt.Errorf("failed to delete guard record: %w", err)
	}
	return nil
}

// ListByIdentifier returns all records for an identifier.
func (ps *PostgresStore) ListByIdentifier(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM guard_records WHERE identifier = $1 ORDER BY action`,
		identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list guard records: %w", err)
	}
	return collectPostgresRecords(rows)
}

// ListBlocked returns records blocked past since. A NULL limit is unbounded.
func (ps *PostgresStore) ListBlocked(ctx context.Context, since time.Time, limit int) ([]*models.GuardRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := ps.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM guard_records
		 WHERE blocked_until > $1
		 ORDER BY blocked_until
		 LIMIT $2`,
		since, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked records: %w", err)
	}
	return collectPostgresRecords(rows)
}

// DeleteExpired removes up to limit records that ended before cutoff. Rows
// locked by in-flight checks are skipped and picked up by a later run.
func (ps *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	tag, err := ps.pool.Exec(ctx,
		`DELETE FROM guard_records WHERE (identifier, action) IN (
		     SELECT identifier, action FROM guard_records
		     WHERE (window_expires_at IS NULL OR window_expires_at < $1)
		       AND (blocked_until IS NULL OR blocked_until < $1)
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )`,
		cutoff, lim)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks database connectivity.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}

func scanPostgresRecord(row pgx.Row) (*models.GuardRecord, error) {
	var (
		rec                        models.GuardRecord
		windowExpires, lastAttempt *time.Time
	)
	if err := row.Scan(
		&rec.Identifier,
		&rec.Action,
		&rec.Attempts,
		&windowExpires,
		&rec.BlockedUntil,
		&lastAttempt,
		&rec.CreatedAt,
		&rec.Version,
	); err != nil {
		return nil, err
	}

	if windowExpires != nil {
		rec.WindowExpiresAt = *windowExpires
	}
	if lastAttempt != nil {
		rec.LastAttemptAt = *lastAttempt
	}
	return &rec, nil
}

func collectPostgresRecords(rows pgx.Rows) ([]*models.GuardRecord, error) {
	defer rows.Close()

	records := []*models.GuardRecord{}
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guard record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate guard records: %w", err)
	}
	return records, nil
}

// optionalTime maps the zero time to SQL NULL.
func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func expectOneTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
