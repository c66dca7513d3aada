package storage

import (
	"context"
	"time"

	"rlguard/internal/models"
)

// Store defines the persistence contract for guard records. It provides a clean
// abstraction that can be implemented by different backends such as in-process
// maps, SQL databases or Redis.
//
// Concurrency Contract:
// - Create and Update are conditional writes; callers detect lost races through ErrConflict
// - Version starts at 1 on Create and increases by exactly one on every Update
// - No operation spans more than one (identifier, action) pair transactionally
type Store interface {
	// Get retrieves the record for a pair. Returns ErrNotFound when absent.
	Get(ctx context.Context, identifier, action string) (*models.GuardRecord, error)

	// Create inserts a new record with Version 1. Returns ErrConflict when a
	// record for the pair already exists.
	Create(ctx context.Context, record *models.GuardRecord) error

	// Update replaces the record only if its stored version equals
	// expectedVersion, then bumps the version. Returns ErrConflict otherwise.
	Update(ctx context.Context, record *models.GuardRecord, expectedVersion int64) error

	// Delete removes the record for a pair. Deleting an absent record is not an error.
	Delete(ctx context.Context, identifier, action string) error

	// ListByIdentifier returns every record for an identifier, ordered by action.
	ListByIdentifier(ctx context.Context, identifier string) ([]*models.GuardRecord, error)

	// ListBlocked returns records whose BlockedUntil is after since, earliest
	// expiry first, up to limit records.
	ListBlocked(ctx context.Context, since time.Time, limit int) ([]*models.GuardRecord, error)

	// DeleteExpired removes up to limit records whose window and block both
	// ended before cutoff, returning the number removed.
	DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections and other resources.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, postgres, sqlite, redis)
	Type string `json:"type" yaml:"type"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time,omitempty" yaml:"conn_max_idle_time,omitempty"`

	// Redis settings
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"-" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisPoolSize int    `json:"redis_pool_size,omitempty" yaml:"redis_pool_size,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}
