package guard

import (
	"errors"
	"time"

	"rlguard/internal/models"
)

// FailureMode selects how storage failures turn into decisions.
type FailureMode string

const (
	// FailOpen allows the attempt when storage is unavailable.
	FailOpen FailureMode = models.FailurePolicyOpen
	// FailClosed denies the attempt when storage is unavailable.
	FailClosed FailureMode = models.FailurePolicyClosed
)

// Policy is chosen by the deploying system and applied by callers of the
// guard; the guard itself always reports storage failures as errors.
// The zero Policy passes errors through unchanged.
type Policy struct {
	Mode       FailureMode
	RetryAfter time.Duration
}

// PolicyFromConfig builds the policy configured for the service.
func PolicyFromConfig(gc models.GuardConfig) Policy {
	return Policy{
		Mode:       FailureMode(gc.FailurePolicy),
		RetryAfter: gc.FailClosedRetryAfter,
	}
}

// Apply resolves a storage error into a degraded decision according to the
// mode. Decisions without error and non-storage errors pass through.
func (p Policy) Apply(decision models.Decision, err error, now time.Time) (models.Decision, error) {
	if err == nil || !errors.Is(err, ErrStorage) {
		return decision, err
	}

	switch p.Mode {
	case FailOpen:
		return models.Decision{Allowed: true, ResetAt: now, Degraded: true}, nil
	case FailClosed:
		retryAfter := p.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		d := models.Block(0, retryAfter, now.Add(retryAfter))
		d.Degraded = true
		return d, nil
	default:
		return decision, err
	}
}
