package guard

import (
	"context"
	"time"

	"rlguard/internal/models"
)

// Service defines the guard operations consumed by transports and middleware
type Service interface {
	// Check records an attempt for the pair at now and returns the decision
	Check(ctx context.Context, identifier, action string, now time.Time) (models.Decision, error)

	// Reset clears all counting and block state for the pair
	Reset(ctx context.Context, identifier, action string) error

	// CleanupExpired removes up to batchLimit fully expired records
	CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error)

	// Records lists the records held for an identifier
	Records(ctx context.Context, identifier string) ([]*models.GuardRecord, error)

	// Blocked lists records still blocked at now
	Blocked(ctx context.Context, now time.Time, limit int) ([]*models.GuardRecord, error)

	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error
}

// Ensure Guard implements Service
var _ Service = (*Guard)(nil)

// Observer receives guard state transitions. Calls happen while the pair's
// lock is held, so implementations must return quickly.
type Observer interface {
	// Blocked is called once when a pair becomes blocked.
	Blocked(ctx context.Context, identifier, action string, until time.Time)

	// Reset is called after a pair's state was cleared.
	Reset(ctx context.Context, identifier, action string)
}

type nopObserver struct{}

func (nopObserver) Blocked(context.Context, string, string, time.Time) {}
func (nopObserver) Reset(context.Context, string, string)              {}
