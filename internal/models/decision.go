package models

import "time"

// Decision is the outcome of a single guard check.
//
// Allowed decisions carry the remaining attempts in the current window; blocked
// decisions always carry a positive RetryAfter so callers can report a concrete wait.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time

	// Degraded marks a decision produced by the failure policy rather than by
	// stored state.
	Degraded bool
}

// Allow builds an allowed decision.
func Allow(limit, remaining int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Block builds a blocked decision.
func Block(limit int, retryAfter time.Duration, until time.Time) Decision {
	return Decision{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: retryAfter,
		ResetAt:    until,
	}
}

// Outcome returns a short label for metrics and logs.
func (d Decision) Outcome() string {
	if d.Allowed {
		return "allowed"
	}
	return "blocked"
}
