package intents

import (
	"context"
	"sync"
	"time"

	domain "github.com/nearbuy/api/internal/domain"
)

type memoryRecord struct {
	intent    domain.PaymentIntent
	expiresAt time.Time
	consumed  bool
}

// MemoryStore is the process-wide mutex-guarded intent store. Consumption
// and eviction share the same lock, so a cleanup pass can never race an
// in-flight Take for the same intent.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryStore constructs an empty memory-backed intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// Put implements the Store interface.
func (s *MemoryStore) Put(_ context.Context, intent domain.PaymentIntent, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[intent.ID] = memoryRecord{
		intent:    intent,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Get implements the Store interface.
func (s *MemoryStore) Get(_ context.Context, id string, now time.Time) (domain.PaymentIntent, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || !now.Before(record.expiresAt) {
		return domain.PaymentIntent{}, ErrNotFound
	}
	if record.consumed {
		return domain.PaymentIntent{}, ErrConsumed
	}
	return record.intent, nil
}

// Take implements the Store interface. The consumed marker stays in the map
// until eviction so a losing concurrent caller observes ErrConsumed rather
// than ErrNotFound.
func (s *MemoryStore) Take(_ context.Context, id string, now time.Time) (domain.PaymentIntent, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || !now.Before(record.expiresAt) {
		return domain.PaymentIntent{}, ErrNotFound
	}
	if record.consumed {
		return domain.PaymentIntent{}, ErrConsumed
	}

	record.consumed = true
	record.intent.Consumed = true
	s.records[id] = record
	return record.intent, nil
}

// CleanupExpired implements the Store interface.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	removed := 0
	for id, record := range s.records {
		if now.Before(record.expiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
		if removed >= limit {
			break
		}
	}
	return removed, nil
}
