package usage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore keeps the most recent records in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryStore{capacity: capacity}
}

func (s *InMemoryStore) Record(_ context.Context, rec Record) error {
	rec = normalize(rec, uuid.NewString)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]Record(nil), s.records[over:]...)
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, limit)
	copy(out, s.records[len(s.records)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
