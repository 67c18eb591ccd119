package reporting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCapacity = 1000

// InMemoryStore keeps the most recent records in process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  []CallRecord
	capacity int
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &InMemoryStore{capacity: capacity}
}

func (s *InMemoryStore) Save(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	s.records = append(s.records, record)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]CallRecord(nil), s.records[over:]...)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]CallRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
