package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"rlguard/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each record is a hash; a set per
// identifier and two sorted sets (blocked-until and overall expiry, scored in
// Unix milliseconds) provide the secondary lookups. Conditional writes use
// WATCH/MULTI so a concurrent modification aborts the transaction.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config Config) (*RedisStore, error) {
	if config.RedisAddr == "" {
		return nil, fmt.Errorf("address is required for Redis storage")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
		PoolSize: config.RedisPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisStoreFromClient(rdb, config.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "guard"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (rs *RedisStore) recordKey(identifier, action string) string {
	return rs.prefix + ":rec:" + url.QueryEscape(action) + ":" + url.QueryEscape(identifier)
}

func (rs *RedisStore) identifierKey(identifier string) string {
	return rs.prefix + ":ident:" + url.QueryEscape(identifier)
}

func (rs *RedisStore) blockedKey() string { return rs.prefix + ":blocked" }
func (rs *RedisStore) expiryKey() string  { return rs.prefix + ":expiry" }

// Get retrieves the record for a pair
func (rs *RedisStore) Get(ctx context.Context, identifier, action string) (*models.GuardRecord, error) {
	return rs.load(ctx, rs.rdb, rs.recordKey(identifier, action))
}

func (rs *RedisStore) load(ctx context.Context, c redis.Cmdable, key string) (*models.GuardRecord, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get guard record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec, err := decodeRedisRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode guard record %s: %w", key, err)
	}
	return rec, nil
}

// Create inserts a record if the pair is unseen
func (rs *RedisStore) Create(ctx context.Context, record *models.GuardRecord) error {
	key := rs.recordKey(record.Identifier, record.Action)

	err := rs.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			rs.write(ctx, pipe, key, record, 1)
			pipe.SAdd(ctx, rs.identifierKey(record.Identifier), record.Action)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapRedisWriteError("create", err)
	}

	record.Version = 1
	return nil
}

// Update replaces a record when its version still matches
func (rs *RedisStore) Update(ctx context.Context, record *models.GuardRecord, expectedVersion int64) error {
	key := rs.recordKey(record.Identifier, record.Action)

	err := rs.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		if errors.Is(err, redis.Nil) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			rs.write(ctx, pipe, key, record, expectedVersion+1)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapRedisWriteError("update", err)
	}

	record.Version = expectedVersion + 1
	return nil
}

// write queues the hash fields and index maintenance for a record. CreatedAt
// is only written on creation paths where the hash does not exist yet.
func (rs *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, key string, record *models.GuardRecord, version int64) {
	fields := map[string]any{
		"identifier":        record.Identifier,
		"action":            record.Action,
		"attempts":          record.Attempts,
		"window_expires_at": toUnixNano(record.WindowExpiresAt),
		"blocked_until":     "",
		"last_attempt_at":   toUnixNano(record.LastAttemptAt),
		"version":           version,
	}
	if version == 1 {
		fields["created_at"] = toUnixNano(record.CreatedAt)
	}

	expiry := record.WindowExpiresAt
	if record.BlockedUntil != nil {
		fields["blocked_until"] = toUnixNano(*record.BlockedUntil)
		pipe.ZAdd(ctx, rs.blockedKey(), redis.Z{Score: float64(record.BlockedUntil.UnixMilli()), Member: key})
		if record.BlockedUntil.After(expiry) {
			expiry = *record.BlockedUntil
		}
	} else {
		pipe.ZRem(ctx, rs.blockedKey(), key)
	}

	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, rs.expiryKey(), redis.Z{Score: float64(scoreMillis(expiry)), Member: key})
}

// Delete removes the record for a pair
func (rs *RedisStore) Delete(ctx context.Context, identifier, action string) error {
	key := rs.recordKey(identifier, action)
	_, err := rs.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rs.remove(ctx, pipe, key, identifier, action)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete guard record: %w", err)
	}
	return nil
}

func (rs *RedisStore) remove(ctx context.Context, pipe redis.Pipeliner, key, identifier, action string) {
	pipe.Del(ctx, key)
	pipe.SRem(ctx, rs.identifierKey(identifier), action)
	pipe.ZRem(ctx, rs.blockedKey(), key)
	pipe.ZRem(ctx, rs.expiryKey(), key)
}

// ListByIdentifier returns all records for an identifier
func (rs *RedisStore) ListByIdentifier(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	actions, err := rs.rdb.SMembers(ctx, rs.identifierKey(identifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list guard records: %w", err)
	}
	sort.Strings(actions)

	records := make([]*models.GuardRecord, 0, len(actions))
	for _, action := range actions {
		rec, err := rs.Get(ctx, identifier, action)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListBlocked returns records blocked past since. Scores have millisecond
// precision, so candidates are re-checked against the exact timestamp.
func (rs *RedisStore) ListBlocked(ctx context.Context, since time.Time, limit int) ([]*models.GuardRecord, error) {
	rangeBy := &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit) + 8
	}

	keys, err := rs.rdb.ZRangeByScore(ctx, rs.blockedKey(), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked records: %w", err)
	}

	records := []*models.GuardRecord{}
	for _, key := range keys {
		rec, err := rs.load(ctx, rs.rdb, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.BlockedUntil == nil || !rec.BlockedUntil.After(since) {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// DeleteExpired removes up to limit records that ended before cutoff. Each
// candidate is re-read under WATCH so a concurrent check that revives the
// record aborts its deletion.
func (rs *RedisStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(scoreMillis(cutoff), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	keys, err := rs.rdb.ZRangeByScore(ctx, rs.expiryKey(), rangeBy).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired records: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		deleted := false
		err := rs.rdb.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := rs.load(ctx, tx, key)
			if errors.Is(err, ErrNotFound) {
				// Stale index entry.
				return tx.ZRem(ctx, rs.expiryKey(), key).Err()
			}
			if err != nil {
				return err
			}
			if !rec.ExpiredBefore(cutoff) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				rs.remove(ctx, pipe, key, rec.Identifier, rec.Action)
				return nil
			})
			if err == nil {
				deleted = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired record: %w", err)
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// Ping checks Redis connectivity
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.rdb.Ping(ctx).Err()
}

// Close closes the Redis client
func (rs *RedisStore) Close() error {
	return rs.rdb.Close()
}

func mapRedisWriteError(op string, err error) error {
	if errors.Is(err, ErrConflict) || errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return fmt.Errorf("failed to %s guard record: %w", op, err)
}

// scoreMillis is the sorted-set score for a timestamp; the zero time scores 0.
func scoreMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeRedisRecord(fields map[string]string) (*models.GuardRecord, error) {
	rec := &models.GuardRecord{
		Identifier: fields["identifier"],
		Action:     fields["action"],
	}

	var err error
	if rec.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("attempts: %w", err)
	}
	if rec.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}

	timestamps := []struct {
		field string
		dst   *time.Time
	}{
		{"window_expires_at", &rec.WindowExpiresAt},
		{"last_attempt_at", &rec.LastAttemptAt},
		{"created_at", &rec.CreatedAt},
	}
	for _, ts := range timestamps {
		n, err := parseNanos(fields[ts.field])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ts.field, err)
		}
		*ts.dst = fromUnixNano(n)
	}

	if raw := fields["blocked_until"]; raw != "" {
		n, err := parseNanos(raw)
		if err != nil {
			return nil, fmt.Errorf("blocked_until: %w", err)
		}
		until := fromUnixNano(n)
		rec.BlockedUntil = &until
	}

	return rec, nil
}

func parseNanos(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
