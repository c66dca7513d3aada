package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rlguard/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// runStoreTests exercises the Store contract against a backend. Identifiers
// carry a per-run prefix so shared databases do not interfere between runs.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	newRecord := func(prefix, action string) *models.GuardRecord {
		rec := models.NewGuardRecord(prefix+"-user", action, baseTime)
		rec.Attempts = 1
		rec.WindowExpiresAt = baseTime.Add(time.Minute)
		rec.LastAttemptAt = baseTime
		return rec
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, uuid.NewString(), "login")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(uuid.NewString(), "login")

		require.NoError(t, s.Create(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)

		got, err := s.Get(ctx, rec.Identifier, rec.Action)
		require.NoError(t, err)
		assert.Equal(t, rec.Identifier, got.Identifier)
		assert.Equal(t, rec.Action, got.Action)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.WindowExpiresAt.Equal(rec.WindowExpiresAt), "window expiry: %v", got.WindowExpiresAt)
		assert.True(t, got.LastAttemptAt.Equal(baseTime))
		assert.True(t, got.CreatedAt.Equal(baseTime))
		assert.Nil(t, got.BlockedUntil)
	})

	t.Run("CreateDuplicateConflicts", func(t *testing.T) {
		s := newStore(t)
		prefix := uuid.NewString()

		require.NoError(t, s.Create(ctx, newRecord(prefix, "login")))
		assert.ErrorIs(t, s.Create(ctx, newRecord(prefix, "login")), ErrConflict)
	})

	t.Run("UpdateChecksVersion", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(uuid.NewString(), "login")
		require.NoError(t, s.Create(ctx, rec))

		until := baseTime.Add(15 * time.Minute)
		rec.Attempts = 5
		rec.BlockedUntil = &until
		require.NoError(t, s.Update(ctx, rec, 1))
		assert.Equal(t, int64(2), rec.Version)

		got, err := s.Get(ctx, rec.Identifier, rec.Action)
		require.NoError(t, err)
		assert.Equal(t, 5, got.Attempts)
		assert.Equal(t, int64(2), got.Version)
		require.NotNil(t, got.BlockedUntil)
		assert.True(t, got.BlockedUntil.Equal(until))
		assert.True(t, got.CreatedAt.Equal(baseTime))

		// Stale version loses.
		rec.Attempts = 9
		assert.ErrorIs(t, s.Update(ctx, rec, 1), ErrConflict)

		got, err = s.Get(ctx, rec.Identifier, rec.Action)
		require.NoError(t, err)
		assert.Equal(t, 5, got.Attempts)

		// Clearing a block persists.
		rec.BlockedUntil = nil
		rec.Attempts = 0
		require.NoError(t, s.Update(ctx, rec, 2))
		got, err = s.Get(ctx, rec.Identifier, rec.Action)
		require.NoError(t, err)
		assert.Nil(t, got.BlockedUntil)
		assert.Equal(t, int64(3), got.Version)
	})

	t.Run("UpdateMissingConflicts", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(uuid.NewString(), "login")
		assert.ErrorIs(t, s.Update(ctx, rec, 1), ErrConflict)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		prefix := uuid.NewString()
		rec := newRecord(prefix, "login")
		require.NoError(t, s.Create(ctx, rec))

		require.NoError(t, s.Delete(ctx, rec.Identifier, rec.Action))
		require.NoError(t, s.Delete(ctx, rec.Identifier, rec.Action))

		_, err := s.Get(ctx, rec.Identifier, rec.Action)
		assert.ErrorIs(t, err, ErrNotFound)

		// The pair can be recreated from scratch.
		fresh := newRecord(prefix, "login")
		require.NoError(t, s.Create(ctx, fresh))
		assert.Equal(t, int64(1), fresh.Version)
	})

	t.Run("ListByIdentifier", func(t *testing.T) {
		s := newStore(t)
		prefix := uuid.NewString()
		for _, action := range []string{"reset", "login", "otp"} {
			require.NoError(t, s.Create(ctx, newRecord(prefix, action)))
		}
		require.NoError(t, s.Create(ctx, newRecord(uuid.NewString(), "login")))

		records, err := s.ListByIdentifier(ctx, prefix+"-user")
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "login", records[0].Action)
		assert.Equal(t, "otp", records[1].Action)
		assert.Equal(t, "reset", records[2].Action)

		records, err = s.ListByIdentifier(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})

	t.Run("ListBlocked", func(t *testing.T) {
		s := newStore(t)
		prefix := uuid.NewString()

		for i, offset := range []time.Duration{30 * time.Minute, 10 * time.Minute, -5 * time.Minute} {
			rec := newRecord(prefix, []string{"a", "b", "c"}[i])
			until := baseTime.Add(offset)
			rec.BlockedUntil = &until
			require.NoError(t, s.Create(ctx, rec))
		}
		require.NoError(t, s.Create(ctx, newRecord(prefix, "d")))

		blocked, err := s.ListBlocked(ctx, baseTime, 0)
		require.NoError(t, err)

		var mine []*models.GuardRecord
		for _, rec := range blocked {
			if rec.Identifier == prefix+"-user" {
				mine = append(mine, rec)
			}
		}
		require.Len(t, mine, 2)
		assert.Equal(t, "b", mine[0].Action)
		assert.Equal(t, "a", mine[1].Action)

		limited, err := s.ListBlocked(ctx, baseTime, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		s := newStore(t)
		prefix := uuid.NewString()
		cutoff := baseTime.Add(time.Hour)

		// Window and block both ended before the cutoff.
		stale := newRecord(prefix, "stale")
		staleBlock := baseTime.Add(30 * time.Minute)
		stale.BlockedUntil = &staleBlock
		require.NoError(t, s.Create(ctx, stale))

		// Window ended, no block.
		require.NoError(t, s.Create(ctx, newRecord(prefix, "elapsed")))

		// Block still running at the cutoff.
		active := newRecord(prefix, "active")
		activeBlock := cutoff.Add(time.Minute)
		active.BlockedUntil = &activeBlock
		require.NoError(t, s.Create(ctx, active))

		// Window still open at the cutoff.
		open := newRecord(prefix, "open")
		open.WindowExpiresAt = cutoff.Add(time.Second)
		require.NoError(t, s.Create(ctx, open))

		removed, err := s.DeleteExpired(ctx, cutoff, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 2)

		records, err := s.ListByIdentifier(ctx, prefix+"-user")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "active", records[0].Action)
		assert.Equal(t, "open", records[1].Action)
	})

	t.Run("DeleteExpiredHonorsLimit", func(t *testing.T) {
		s := newStore(t)
		prefix := uuid.NewString()
		for _, action := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.Create(ctx, newRecord(prefix, action)))
		}

		removed, err := s.DeleteExpired(ctx, baseTime.Add(time.Hour), 2)
		require.NoError(t, err)
		assert.LessOrEqual(t, removed, 2)
	})

	t.Run("ConcurrentUpdatesAreNotLost", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(uuid.NewString(), "login")
		rec.Attempts = 0
		require.NoError(t, s.Create(ctx, rec))

		const workers = 8
		const perWorker = 10

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < perWorker; {
					cur, err := s.Get(ctx, rec.Identifier, rec.Action)
					if err != nil {
						t.Errorf("get: %v", err)
						return
					}
					cur.Attempts++
					err = s.Update(ctx, cur, cur.Version)
					if errors.Is(err, ErrConflict) {
						continue
					}
					if err != nil {
						t.Errorf("update: %v", err)
						return
					}
					n++
				}
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, rec.Identifier, rec.Action)
		require.NoError(t, err)
		assert.Equal(t, workers*perWorker, got.Attempts)
		assert.Equal(t, int64(1+workers*perWorker), got.Version)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
