// Package guard decides whether an attempt for an (identifier, action) pair is
// permitted and maintains the counters and block state behind that decision.
//
// Each check is a read-modify-write on a single GuardRecord. Within a process
// callers for the same pair are serialized by a per-key mutex; across processes
// sharing a store, versioned conditional writes detect lost races and the
// check is retried with exponential backoff.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rlguard/internal/models"
	"rlguard/internal/storage"

	"github.com/cenkalti/backoff/v5"
)

// Options tunes a Guard. Zero fields take the values of DefaultOptions.
type Options struct {
	// MaxRetries bounds how many times a check is retried after a write conflict.
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// LockShards sets how many shards the per-key lock table is split into.
	LockShards int

	// RetentionGrace is how long past expiry a record is kept before cleanup
	// may remove it.
	RetentionGrace time.Duration

	Logger *slog.Logger

	// Observer is told about new blocks and resets. It must not block.
	Observer Observer
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		MaxRetries:           5,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     200 * time.Millisecond,
		LockShards:           256,
	}
}

// OptionsFromConfig maps service configuration onto guard options.
func OptionsFromConfig(gc models.GuardConfig, cc models.CleanupConfig, logger *slog.Logger) Options {
	return Options{
		MaxRetries:           gc.MaxRetries,
		RetryInitialInterval: gc.RetryInitialInterval,
		RetryMaxInterval:     gc.RetryMaxInterval,
		LockShards:           gc.LockShards,
		RetentionGrace:       cc.RetentionGrace,
		Logger:               logger,
	}
}

// Guard is the rate-limit guard. It is safe for concurrent use.
type Guard struct {
	limits   map[string]models.ActionLimits
	store    storage.Store
	opts     Options
	locks    *keyLocks
	logger   *slog.Logger
	observer Observer
}

// New creates a guard over store with per-action limits. Every action must
// carry valid thresholds; there are no built-in defaults.
func New(limits map[string]models.ActionLimits, store storage.Store, opts Options) (*Guard, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	copied := make(map[string]models.ActionLimits, len(limits))
	for action, l := range limits {
		if action == "" {
			return nil, &Error{Kind: KindConfiguration, Op: "new", Message: "action name cannot be empty"}
		}
		if err := l.Validate(); err != nil {
			return nil, &Error{Kind: KindConfiguration, Op: "new", Message: fmt.Sprintf("action %q", action), Err: err}
		}
		copied[action] = l
	}

	defaults := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if opts.RetryMaxInterval < opts.RetryInitialInterval {
		opts.RetryMaxInterval = max(defaults.RetryMaxInterval, opts.RetryInitialInterval)
	}
	if opts.LockShards <= 0 {
		opts.LockShards = defaults.LockShards
	}
	if opts.RetentionGrace < 0 {
		opts.RetentionGrace = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Guard{
		limits:   copied,
		store:    store,
		opts:     opts,
		locks:    newKeyLocks(opts.LockShards),
		logger:   logger.With("component", "guard"),
		observer: observer,
	}, nil
}

// Limits returns the thresholds configured for action.
func (g *Guard) Limits(action string) (models.ActionLimits, bool) {
	l, ok := g.limits[action]
	return l, ok
}

// Check records an attempt for the pair at now and returns the decision.
// Blocked pairs are answered without any write.
func (g *Guard) Check(ctx context.Context, identifier, action string, now time.Time) (models.Decision, error) {
	const op = "check"

	if err := validatePair(op, identifier, action); err != nil {
		return models.Decision{}, err
	}
	limits, ok := g.limits[action]
	if !ok {
		return models.Decision{}, newConfigurationError(op, action)
	}

	unlock := g.locks.lock(models.RecordKey(identifier, action))
	defer unlock()

	fp := Fingerprint(identifier)
	res, err := backoff.Retry(ctx,
		func() (checkResult, error) {
			r, err := g.checkOnce(ctx, identifier, action, limits, now)
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				return r, backoff.Permanent(err)
			}
			return r, err
		},
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithMaxTries(uint(g.opts.MaxRetries)+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.logger.Debug("Retrying guard check after conflict",
				"action", action,
				"identifier_fp", fp,
				"wait", wait)
		}),
	)
	if err != nil {
		message := "failed to persist guard record"
		if errors.Is(err, storage.ErrConflict) {
			message = fmt.Sprintf("conflict retries exhausted after %d attempts", g.opts.MaxRetries+1)
		}
		g.logger.Error("Guard check failed",
			"action", action,
			"identifier_fp", fp,
			"error", err)
		return models.Decision{}, newStorageError(op, message, err)
	}

	if res.newlyBlocked {
		g.logger.Warn("Pair blocked",
			"action", action,
			"identifier_fp", fp,
			"blocked_until", res.decision.ResetAt)
		g.observer.Blocked(ctx, identifier, action, res.decision.ResetAt)
	}
	g.logger.Debug("Guard check",
		"action", action,
		"identifier", identifier,
		"allowed", res.decision.Allowed,
		"remaining", res.decision.Remaining)

	return res.decision, nil
}

type checkResult struct {
	decision     models.Decision
	newlyBlocked bool
}

// checkOnce performs a single read-modify-write attempt.
func (g *Guard) checkOnce(ctx context.Context, identifier, action string, limits models.ActionLimits, now time.Time) (checkResult, error) {
	rec, err := g.store.Get(ctx, identifier, action)
	fresh := errors.Is(err, storage.ErrNotFound)
	switch {
	case fresh:
		rec = models.NewGuardRecord(identifier, action, now)
	case err != nil:
		return checkResult{}, err
	}

	if rec.IsBlocked(now) {
		until := *rec.BlockedUntil
		return checkResult{decision: models.Block(limits.MaxAttempts, until.Sub(now), until)}, nil
	}

	expected := rec.Version
	decision := advance(rec, limits, now)

	if fresh {
		err = g.store.Create(ctx, rec)
	} else {
		err = g.store.Update(ctx, rec, expected)
	}
	if err != nil {
		return checkResult{}, err
	}
	return checkResult{decision: decision, newlyBlocked: !decision.Allowed}, nil
}

// advance applies one attempt to a record that is not currently blocked.
func advance(rec *models.GuardRecord, limits models.ActionLimits, now time.Time) models.Decision {
	if rec.BlockedUntil != nil {
		// The block has elapsed; counting restarts with a new window.
		rec.BlockedUntil = nil
		rec.WindowExpiresAt = time.Time{}
		rec.Attempts = 0
	}

	if !rec.WindowActive(now) {
		rec.WindowExpiresAt = now.Add(limits.Window)
		rec.Attempts = 0
	}

	rec.Attempts++
	if now.After(rec.LastAttemptAt) {
		rec.LastAttemptAt = now
	}

	if rec.Attempts > limits.MaxAttempts {
		until := now.Add(limits.BlockDuration)
		rec.BlockedUntil = &until
		return models.Block(limits.MaxAttempts, limits.BlockDuration, until)
	}

	return models.Allow(limits.MaxAttempts, limits.MaxAttempts-rec.Attempts, rec.WindowExpiresAt)
}

// Reset clears attempts, window and block for the pair. Resetting a pair
// with no record is not an error, and the action need not be configured so
// records left behind by a removed action can still be cleared.
func (g *Guard) Reset(ctx context.Context, identifier, action string) error {
	const op = "reset"

	if err := validatePair(op, identifier, action); err != nil {
		return err
	}

	unlock := g.locks.lock(models.RecordKey(identifier, action))
	defer unlock()

	if err := g.store.Delete(ctx, identifier, action); err != nil {
		return newStorageError(op, "failed to delete guard record", err)
	}

	g.logger.Info("Guard reset",
		"action", action,
		"identifier_fp", Fingerprint(identifier))
	g.observer.Reset(ctx, identifier, action)
	return nil
}

// CleanupExpired removes up to batchLimit records whose window and block both
// ended more than the retention grace before now. It never removes a record
// that is still blocked at now.
func (g *Guard) CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error) {
	const op = "cleanup"

	if batchLimit < 1 {
		return 0, newInvalidArgumentError(op, "batch limit must be at least 1")
	}

	removed, err := g.store.DeleteExpired(ctx, now.Add(-g.opts.RetentionGrace), batchLimit)
	if err != nil {
		return removed, newStorageError(op, "failed to delete expired records", err)
	}

	if removed > 0 {
		g.logger.Debug("Removed expired guard records", "count", removed)
	}
	return removed, nil
}

// Records returns every record held for identifier, ordered by action.
func (g *Guard) Records(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	const op = "records"

	if identifier == "" {
		return nil, newInvalidArgumentError(op, "identifier is required")
	}

	records, err := g.store.ListByIdentifier(ctx, identifier)
	if err != nil {
		return nil, newStorageError(op, "failed to list guard records", err)
	}
	return records, nil
}

// Blocked returns up to limit records still blocked at now, soonest expiry first.
func (g *Guard) Blocked(ctx context.Context, now time.Time, limit int) ([]*models.GuardRecord, error) {
	const op = "blocked"

	if limit < 0 {
		return nil, newInvalidArgumentError(op, "limit cannot be negative")
	}

	records, err := g.store.ListBlocked(ctx, now, limit)
	if err != nil {
		return nil, newStorageError(op, "failed to list blocked records", err)
	}
	return records, nil
}

// Ping checks that the backing store is reachable.
func (g *Guard) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return newStorageError("ping", "store unreachable", err)
	}
	return nil
}

func (g *Guard) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.RetryInitialInterval
	b.MaxInterval = g.opts.RetryMaxInterval
	return b
}

func validatePair(op, identifier, action string) error {
	if identifier == "" {
		return newInvalidArgumentError(op, "identifier is required")
	}
	if action == "" {
		return newInvalidArgumentError(op, "action is required")
	}
	return nil
}
