// Package models - Guard records and the per-action limits that govern them.
// This file defines the persisted counting state for a single (identifier, action) pair.
//
// Record Lifecycle:
// - Created on the first attempt for a previously unseen pair
// - Mutated on every subsequent attempt (window reset, increment, block set)
// - Never destroyed by the guard itself; an elapsed record with no active block
//   is equivalent to no record and may be reclaimed by cleanup
package models

import (
	"errors"
	"fmt"
	"time"
)

// GuardRecord is the sole owner of the counting state for one (identifier, action) pair.
//
// Field Semantics:
// - Attempts is only meaningful while now < WindowExpiresAt
// - A zero WindowExpiresAt means no window has been opened yet
// - BlockedUntil, when set and in the future, dominates the allow/deny decision
// - Version is the optimistic-concurrency token maintained by the store
type GuardRecord struct {
	Identifier      string     `json:"identifier"`
	Action          string     `json:"action"`
	Attempts        int        `json:"attempts"`
	WindowExpiresAt time.Time  `json:"window_expires_at"`
	BlockedUntil    *time.Time `json:"blocked_until,omitempty"`
	LastAttemptAt   time.Time  `json:"last_attempt_at"`
	CreatedAt       time.Time  `json:"created_at"`
	Version         int64      `json:"version"`
}

// NewGuardRecord creates an empty record for a pair seen for the first time at now.
func NewGuardRecord(identifier, action string, now time.Time) *GuardRecord {
	return &GuardRecord{
		Identifier: identifier,
		Action:     action,
		CreatedAt:  now,
	}
}

// Clone returns a deep copy so callers can mutate it without touching stored state.
func (r *GuardRecord) Clone() *GuardRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.BlockedUntil != nil {
		until := *r.BlockedUntil
		c.BlockedUntil = &until
	}
	return &c
}

// IsBlocked reports whether the pair is blocked at now.
func (r *GuardRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// WindowActive reports whether the counting window is still open at now.
func (r *GuardRecord) WindowActive(now time.Time) bool {
	return !r.WindowExpiresAt.IsZero() && now.Before(r.WindowExpiresAt)
}

// ExpiredBefore reports whether both the window and any block ended strictly before cutoff.
func (r *GuardRecord) ExpiredBefore(cutoff time.Time) bool {
	if r.BlockedUntil != nil && !r.BlockedUntil.Before(cutoff) {
		return false
	}
	return r.WindowExpiresAt.Before(cutoff)
}

// Key returns the composite identity of the record.
func (r *GuardRecord) Key() string {
	return RecordKey(r.Identifier, r.Action)
}

// RecordKey builds the composite identity used for lock striping and logging.
func RecordKey(identifier, action string) string {
	return action + "\x00" + identifier
}

// ActionLimits configures the thresholds applied to a single action.
type ActionLimits struct {
	Window        time.Duration `yaml:"window" json:"window"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

// Validate checks that all thresholds are usable.
func (l ActionLimits) Validate() error {
	if l.Window <= 0 {
		return errors.New("window must be positive")
	}
	if l.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if l.BlockDuration <= 0 {
		return errors.New("block duration must be positive")
	}
	return nil
}

func (l ActionLimits) String() string {
	return fmt.Sprintf("%d per %s, block %s", l.MaxAttempts, l.Window, l.BlockDuration)
}
