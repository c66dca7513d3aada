package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"rlguard/internal/models"
)

type recordKey struct {
	identifier string
	action     string
}

// MemoryStore implements the Store interface using in-memory data structures.
// This provider is ideal for single-process deployments and testing. It provides
// fast access but data is lost on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[recordKey]*models.GuardRecord
	byIdentifier map[string]map[string]struct{} // identifier -> actions
}

// NewMemoryStore creates a new memory-based storage instance
func NewMemoryStore(config Config) (*MemoryStore, error) {
	return &MemoryStore{
		records:      make(map[recordKey]*models.GuardRecord),
		byIdentifier: make(map[string]map[string]struct{}),
	}, nil
}

// Get retrieves the record for a pair
func (m *MemoryStore) Get(ctx context.Context, identifier, action string) (*models.GuardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[recordKey{identifier, action}]
	if !exists {
		return nil, ErrNotFound
	}

	// Return a copy to prevent external modification
	return rec.Clone(), nil
}

// Create inserts a record if the pair is unseen
func (m *MemoryStore) Create(ctx context.Context, record *models.GuardRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{record.Identifier, record.Action}
	if _, exists := m.records[key]; exists {
		return ErrConflict
	}

	stored := record.Clone()
	stored.Version = 1
	m.records[key] = stored

	actions, ok := m.byIdentifier[record.Identifier]
	if !ok {
		actions = make(map[string]struct{})
		m.byIdentifier[record.Identifier] = actions
	}
	actions[record.Action] = struct{}{}

	record.Version = 1
	return nil
}

// Update replaces a record when its version still matches
func (m *MemoryStore) Update(ctx context.Context, record *models.GuardRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{record.Identifier, record.Action}
	current, exists := m.records[key]
	if !exists || current.Version != expectedVersion {
		return ErrConflict
	}

	stored := record.Clone()
	stored.Version = expectedVersion + 1
	stored.CreatedAt = current.CreatedAt
	m.records[key] = stored

	record.Version = stored.Version
	return nil
}

// Delete removes the record for a pair
func (m *MemoryStore) Delete(ctx context.Context, identifier, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteLocked(recordKey{identifier, action})
	return nil
}

func (m *MemoryStore) deleteLocked(key recordKey) {
	delete(m.records, key)
	if actions, ok := m.byIdentifier[key.identifier]; ok {
		delete(actions, key.action)
		if len(actions) == 0 {
			delete(m.byIdentifier, key.identifier)
		}
	}
}

// ListByIdentifier returns all records for an identifier
func (m *MemoryStore) ListByIdentifier(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actions := m.byIdentifier[identifier]
	result := make([]*models.GuardRecord, 0, len(actions))
	for action := range actions {
		result = append(result, m.records[recordKey{identifier, action}].Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Action < result[j].Action
	})

	return result, nil
}

// ListBlocked returns records blocked past since
func (m *MemoryStore) ListBlocked(ctx context.Context, since time.Time, limit int) ([]*models.GuardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.GuardRecord
	for _, rec := range m.records {
		if rec.BlockedUntil != nil && rec.BlockedUntil.After(since) {
			result = append(result, rec.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BlockedUntil.Before(*result[j].BlockedUntil)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	if result == nil {
		result = []*models.GuardRecord{}
	}
	return result, nil
}

// DeleteExpired removes up to limit records that ended before cutoff
func (m *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, rec := range m.records {
		if limit > 0 && removed >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if rec.ExpiredBefore(cutoff) {
			m.deleteLocked(key)
			removed++
		}
	}

	return removed, nil
}

// Ping always succeeds for memory storage
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStore) Close() error {
	return nil
}
