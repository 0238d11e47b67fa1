package registry

import (
	"context"
	"log"
	"sync"

	"github.com/storystack/tagflow/internal/domain"
)

// Store abstracts the durable home of the tracked-batch list: a single
// serialized snapshot, read whole and written whole. Persistence is
// best-effort; the registry keeps a correct in-memory view regardless.
type Store interface {
	Load(ctx context.Context) ([]domain.TrackedBatch, error)
	Save(ctx context.Context, batches []domain.TrackedBatch) error
}

// Registry is the process-wide set of batches whose tagging outcome has
// not yet been confirmed terminal. Membership is the only state: a batch
// is present or absent, and removal is never undone except by a fresh
// submission.
type Registry struct {
	logger *log.Logger
	store  Store

	mu       sync.Mutex
	order    []string
	batches  map[string]domain.TrackedBatch
	degraded bool
}

func New(logger *log.Logger, store Store) *Registry {
	return &Registry{
		logger:  logger,
		store:   store,
		batches: make(map[string]domain.TrackedBatch),
	}
}

// Open builds a registry and restores previously persisted batches so
// tracking survives a process restart. A failing store degrades the
// registry to memory-only tracking rather than failing construction.
func Open(ctx context.Context, logger *log.Logger, store Store) *Registry {
	r := New(logger, store)
	if store == nil {
		return r
	}
	batches, err := store.Load(ctx)
	if err != nil {
		r.markDegraded(err)
		return r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range batches {
		r.insertLocked(b)
	}
	return r
}

// Add inserts a batch. Adding an already-tracked batch id is a no-op.
func (r *Registry) Add(ctx context.Context, batch domain.TrackedBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batch.BatchID]; ok {
		return
	}
	r.insertLocked(batch)
	r.persistLocked(ctx)
}

// Remove drops a batch id and reports whether it was tracked. Absent ids
// are a no-op; callers treat a true return as ownership of the batch's
// completion side effects.
func (r *Registry) Remove(ctx context.Context, batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batchID]; !ok {
		return false
	}
	delete(r.batches, batchID)
	for i, bid := range r.order {
		if bid == batchID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.persistLocked(ctx)
	return true
}

// List returns a snapshot in insertion order.
func (r *Registry) List() []domain.TrackedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TrackedBatch, 0, len(r.order))
	for _, bid := range r.order {
		out = append(out, r.batches[bid])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// Clear empties the set; used on explicit teardown.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.batches = make(map[string]domain.TrackedBatch)
	r.persistLocked(ctx)
}

// Sync merges batches persisted by another process (the submission API
// writes to the same store the poller reads). Locally tracked batches are
// kept; batches absent from the store are not dropped, since a concurrent
// writer may have lost the last save. Returns the number of batches
// adopted from the store.
func (r *Registry) Sync(ctx context.Context) int {
	if r.store == nil {
		return 0
	}
	r.mu.Lock()
	if r.degraded {
		r.mu.Unlock()
		return 0
	}
	r.mu.Unlock()

	stored, err := r.store.Load(ctx)
	if err != nil {
		r.markDegraded(err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	adopted := 0
	for _, b := range stored {
		if _, ok := r.batches[b.BatchID]; ok {
			continue
		}
		r.insertLocked(b)
		adopted++
	}
	return adopted
}

func (r *Registry) insertLocked(batch domain.TrackedBatch) {
	r.batches[batch.BatchID] = batch
	r.order = append(r.order, batch.BatchID)
}

func (r *Registry) persistLocked(ctx context.Context) {
	if r.store == nil || r.degraded {
		return
	}
	snapshot := make([]domain.TrackedBatch, 0, len(r.order))
	for _, bid := range r.order {
		snapshot = append(snapshot, r.batches[bid])
	}
	if err := r.store.Save(ctx, snapshot); err != nil {
		r.degraded = true
		if r.logger != nil {
			r.logger.Printf("registry persistence failed, tracking in memory only err=%v", err)
		}
	}
}

func (r *Registry) markDegraded(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		return
	}
	r.degraded = true
	if r.logger != nil {
		r.logger.Printf("registry store unavailable, tracking in memory only err=%v", err)
	}
}
