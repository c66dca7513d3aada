package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rlguard/internal/models"

	_ "modernc.org/sqlite"
)

// The primary key (identifier, action) also serves lookups by identifier alone.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS guard_records (
    identifier        TEXT    NOT NULL,
    action            TEXT    NOT NULL,
    attempts          INTEGER NOT NULL DEFAULT 0,
    window_expires_at INTEGER NOT NULL DEFAULT 0,
    blocked_until     INTEGER,
    last_attempt_at   INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    version           INTEGER NOT NULL,
    PRIMARY KEY (identifier, action)
);
CREATE INDEX IF NOT EXISTS idx_guard_records_blocked_until ON guard_records(blocked_until);
CREATE INDEX IF NOT EXISTS idx_guard_records_window_expires_at ON guard_records(window_expires_at);
`

const sqliteColumns = `identifier, action, attempts, window_expires_at, blocked_until, last_attempt_at, created_at, version`

// SQLiteStore implements Store on SQLite. Timestamps are stored as Unix
// nanoseconds so range predicates stay index-friendly integer comparisons.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database and applies the schema.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps conditional updates
	// from failing with SQLITE_BUSY under concurrent checks.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get retrieves the record for a pair
func (s *SQLiteStore) Get(ctx context.Context, identifier, action string) (*models.GuardRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM guard_records WHERE identifier = ? AND action = ?`,
		identifier, action)

	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get guard record: %w", err)
	}
	return rec, nil
}

// Create inserts a record if the pair is unseen
func (s *SQLiteStore) Create(ctx context.Context, record *models.GuardRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO guard_records (`+sqliteColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT (identifier, action) DO NOTHING`,
		record.Identifier,
		record.Action,
		record.Attempts,
		toUnixNano(record.WindowExpiresAt),
		nullableUnixNano(record.BlockedUntil),
		toUnixNano(record.LastAttemptAt),
		toUnixNano(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create guard record: %w", err)
	}

	if err := expectOneRow(res); err != nil {
		return err
	}
	record.Version = 1
	return nil
}

// Update replaces a record when its version still matches
func (s *SQLiteStore) Update(ctx context.Context, record *models.GuardRecord, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE guard_records
		 SET attempts = ?, window_expires_at = ?, blocked_until = ?, last_attempt_at = ?, version = version + 1
		 WHERE identifier = ? AND action = ? AND version = ?`,
		record.Attempts,
		toUnixNano(record.WindowExpiresAt),
		nullableUnixNano(record.BlockedUntil),
		toUnixNano(record.LastAttemptAt),
		record.Identifier,
		record.Action,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update guard record: %w", err)
	}

	if err := expectOneRow(res); err != nil {
		return err
	}
	record.Version = expectedVersion + 1
	return nil
}

// Delete removes the record for a pair
func (s *SQLiteStore) Delete(ctx context.Context, identifier, action string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM guard_records WHERE identifier = ? AND action = ?`,
		identifier, action); err != nil {
		return fmt.Errorf("failed to delete guard record: %w", err)
	}
	return nil
}

// ListByIdentifier returns all records for an identifier
func (s *SQLiteStore) ListByIdentifier(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM guard_records WHERE identifier = ? ORDER BY action`,
		identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list guard records: %w", err)
	}
	return collectSQLiteRecords(rows)
}

// ListBlocked returns records blocked past since
func (s *SQLiteStore) ListBlocked(ctx context.Context, since time.Time, limit int) ([]*models.GuardRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM guard_records
		 WHERE blocked_until > ?
		 ORDER BY blocked_until
		 LIMIT ?`,
		toUnixNano(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked records: %w", err)
	}
	return collectSQLiteRecords(rows)
}

// DeleteExpired removes up to limit records that ended before cutoff
func (s *SQLiteStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = -1
	}
	c := toUnixNano(cutoff)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM guard_records WHERE rowid IN (
		     SELECT rowid FROM guard_records
		     WHERE window_expires_at < ? AND (blocked_until IS NULL OR blocked_until < ?)
		     LIMIT ?
		 )`,
		c, c, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted records: %w", err)
	}
	return int(n), nil
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the storage connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*models.GuardRecord, error) {
	var (
		rec                                  models.GuardRecord
		windowExpires, lastAttempt, createdAt int64
		blockedUntil                          sql.NullInt64
	)
	if err := row.Scan(
		&rec.Identifier,
		&rec.Action,
		&rec.Attempts,
		&windowExpires,
		&blockedUntil,
		&lastAttempt,
		&createdAt,
		&rec.Version,
	); err != nil {
		return nil, err
	}

	rec.WindowExpiresAt = fromUnixNano(windowExpires)
	rec.LastAttemptAt = fromUnixNano(lastAttempt)
	rec.CreatedAt = fromUnixNano(createdAt)
	if blockedUntil.Valid {
		until := fromUnixNano(blockedUntil.Int64)
		rec.BlockedUntil = &until
	}
	return &rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]*models.GuardRecord, error) {
	defer rows.Close()

	records := []*models.GuardRecord{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
