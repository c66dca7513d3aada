// Package sweeper runs guard cleanup in the background. Each pass removes
// expired records in batches, paced by a token bucket so a large backlog does
// not saturate the store, and bounded by a per-pass timeout.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rlguard/internal/models"

	"golang.org/x/time/rate"
)

// Cleaner removes expired guard records.
type Cleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error)
}

// Config configures a Sweeper.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	BatchLimit       int
	BatchesPerSecond float64

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// ConfigFrom maps the cleanup section of the service configuration.
func ConfigFrom(cc models.CleanupConfig, logger *slog.Logger) Config {
	return Config{
		Interval:         cc.Interval,
		Timeout:          cc.Timeout,
		BatchLimit:       cc.BatchLimit,
		BatchesPerSecond: cc.BatchesPerSecond,
		Logger:           logger,
	}
}

// Sweeper periodically calls CleanupExpired until a pass comes back short.
type Sweeper struct {
	cleaner Cleaner
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a sweeper. Call Start to begin the background loop.
func New(cleaner Cleaner, cfg Config) *Sweeper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BatchLimit < 1 {
		cfg.BatchLimit = 1
	}
	limit := rate.Inf
	if cfg.BatchesPerSecond > 0 {
		limit = rate.Limit(cfg.BatchesPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		cleaner: cleaner,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("component", "sweeper"),
		done:    make(chan struct{}),
	}
}

// Start launches the background loop. It returns immediately.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Close stops the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Cleanup pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one time-boxed pass and returns the number of records
// removed. Reaching the pass timeout ends the pass without error; the rest
// of the backlog is left for the next pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	passCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	now := s.cfg.Now()
	start := time.Now()
	total := 0
	batches := 0

	for {
		if err := s.limiter.Wait(passCtx); err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			s.logger.Warn("Cleanup pass reached its time limit", "removed", total, "batches", batches)
			return total, nil
		}

		removed, err := s.cleaner.CleanupExpired(passCtx, now, s.cfg.BatchLimit)
		total += removed
		batches++
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			if passCtx.Err() != nil {
				s.logger.Warn("Cleanup pass reached its time limit", "removed", total, "batches", batches)
				return total, nil
			}
			return total, err
		}

		if removed < s.cfg.BatchLimit {
			break
		}
	}

	if total > 0 {
		s.logger.Info("Cleanup pass complete",
			"removed", total,
			"batches", batches,
			"duration", time.Since(start))
	}
	return total, nil
}
