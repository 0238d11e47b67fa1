package registry

import (
	"context"
	"sync"

	"github.com/storystack/tagflow/internal/domain"
)

// MemoryStore keeps the snapshot in process memory. Used in tests and as
// the degraded-mode stand-in when no durable store is configured.
type MemoryStore struct {
	mu      sync.Mutex
	batches []domain.TrackedBatch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) ([]domain.TrackedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TrackedBatch, len(s.batches))
	copy(out, s.batches)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, batches []domain.TrackedBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = make([]domain.TrackedBatch, len(batches))
	copy(s.batches, batches)
	return nil
}
