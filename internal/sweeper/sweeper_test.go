package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rlguard/internal/guard"
	"rlguard/internal/models"
	"rlguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedCleaner returns the queued batch sizes in order, then zero.
type scriptedCleaner struct {
	mu      sync.Mutex
	batches []int
	err     error
	calls   int
	nows    []time.Time
	limits  []int
}

func (c *scriptedCleaner) CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.nows = append(c.nows, now)
	c.limits = append(c.limits, batchLimit)
	if c.err != nil {
		return 0, c.err
	}
	if len(c.batches) == 0 {
		return 0, nil
	}
	n := c.batches[0]
	c.batches = c.batches[1:]
	return n, nil
}

func TestRunOnce_DrainsFullBatches(t *testing.T) {
	cleaner := &scriptedCleaner{batches: []int{10, 10, 4}}
	s := New(cleaner, Config{
		BatchLimit:       10,
		BatchesPerSecond: 1000,
		Timeout:          time.Second,
		Now:              func() time.Time { return t0 },
		Logger:           quietLogger(),
	})

	removed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, removed)
	assert.Equal(t, 3, cleaner.calls)
	for i := range cleaner.nows {
		assert.Equal(t, t0, cleaner.nows[i], "one cutoff per pass")
		assert.Equal(t, 10, cleaner.limits[i])
	}
}

func TestRunOnce_PropagatesCleanerError(t *testing.T) {
	cleaner := &scriptedCleaner{err: errors.New("store unavailable")}
	s := New(cleaner, Config{BatchLimit: 10, Timeout: time.Second, Logger: quietLogger()})

	_, err := s.RunOnce(context.Background())
	assert.EqualError(t, err, "store unavailable")
}

// blockingCleaner always returns a full batch after waiting for ctx.
type blockingCleaner struct{}

func (blockingCleaner) CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestRunOnce_TimeBoxed(t *testing.T) {
	s := New(blockingCleaner{}, Config{BatchLimit: 10, Timeout: 20 * time.Millisecond, Logger: quietLogger()})

	start := time.Now()
	removed, err := s.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunOnce_PacingBoundedByTimeout(t *testing.T) {
	// Always-full batches at 5 per second: the pass stops at the timeout
	// rather than sweeping forever.
	var calls atomic.Int32
	cleaner := cleanerFunc(func(ctx context.Context, now time.Time, batchLimit int) (int, error) {
		calls.Add(1)
		return batchLimit, nil
	})
	s := New(cleaner, Config{BatchLimit: 5, BatchesPerSecond: 5, Timeout: 300 * time.Millisecond, Logger: quietLogger()})

	removed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(3))
	assert.Equal(t, int(calls.Load())*5, removed)
}

func TestRunOnce_ParentCancelled(t *testing.T) {
	s := New(blockingCleaner{}, Config{BatchLimit: 10, Timeout: time.Minute, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type cleanerFunc func(ctx context.Context, now time.Time, batchLimit int) (int, error)

func (f cleanerFunc) CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error) {
	return f(ctx, now, batchLimit)
}

func TestSweeper_StartAndClose(t *testing.T) {
	var calls atomic.Int32
	cleaner := cleanerFunc(func(ctx context.Context, now time.Time, batchLimit int) (int, error) {
		calls.Add(1)
		return 0, nil
	})
	s := New(cleaner, Config{Interval: 5 * time.Millisecond, BatchLimit: 10, Timeout: time.Second, Logger: quietLogger()})

	s.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestSweeper_WithGuard(t *testing.T) {
	store, err := storage.NewMemoryStore(storage.Config{})
	require.NoError(t, err)
	g, err := guard.New(map[string]models.ActionLimits{
		"login": {Window: time.Minute, MaxAttempts: 1, BlockDuration: 10 * time.Minute},
	}, store, guard.Options{Logger: quietLogger()})
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := g.Check(ctx, id, "login", t0)
		require.NoError(t, err)
	}
	// Blocked until t0+10m.
	for i := 0; i < 2; i++ {
		_, err := g.Check(ctx, "blocked", "login", t0)
		require.NoError(t, err)
	}

	s := New(g, Config{
		BatchLimit:       2,
		BatchesPerSecond: 1000,
		Timeout:          time.Second,
		Now:              func() time.Time { return t0.Add(5 * time.Minute) },
		Logger:           quietLogger(),
	})

	removed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	_, err = store.Get(ctx, "blocked", "login")
	assert.NoError(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(models.CleanupConfig{
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		BatchLimit:       100,
		BatchesPerSecond: 2,
	}, nil)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 100, cfg.BatchLimit)
	assert.Equal(t, 2.0, cfg.BatchesPerSecond)
}
