package registry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/storystack/tagflow/internal/domain"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func batch(id string, assetIDs ...string) domain.TrackedBatch {
	return domain.TrackedBatch{
		BatchID:     id,
		AssetIDs:    assetIDs,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(testLogger(), NewMemoryStore())

	r.Add(ctx, batch("batch-1", "a1"))
	r.Add(ctx, batch("batch-1", "a1"))

	got := r.List()
	if len(got) != 1 {
		t.Fatalf("expected 1 tracked batch, got %d", len(got))
	}
	if got[0].BatchID != "batch-1" {
		t.Fatalf("expected batch-1, got %s", got[0].BatchID)
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	r := New(testLogger(), NewMemoryStore())

	r.Add(ctx, batch("batch-1", "a1"))

	if r.Remove(ctx, "batch-missing") {
		t.Fatal("expected removal of an absent id to report false")
	}
	if got := r.List(); len(got) != 1 {
		t.Fatalf("expected 1 tracked batch, got %d", len(got))
	}
	if !r.Remove(ctx, "batch-1") {
		t.Fatal("expected removal of a tracked id to report true")
	}
	if r.Remove(ctx, "batch-1") {
		t.Fatal("expected repeat removal to report false")
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	r := New(testLogger(), NewMemoryStore())

	r.Add(ctx, batch("batch-1", "a1"))
	r.Add(ctx, batch("batch-2", "a2"))
	r.Add(ctx, batch("batch-3", "a3"))
	r.Remove(ctx, "batch-2")

	got := r.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 tracked batches, got %d", len(got))
	}
	if got[0].BatchID != "batch-1" || got[1].BatchID != "batch-3" {
		t.Fatalf("unexpected order: %s, %s", got[0].BatchID, got[1].BatchID)
	}
}

func TestClearEmptiesSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := New(testLogger(), store)

	r.Add(ctx, batch("batch-1", "a1"))
	r.Clear(ctx)

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	stored, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected empty store, got %d", len(stored))
	}
}

func TestOpenRestoresPersistedBatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := New(testLogger(), store)
	first.Add(ctx, batch("batch-1", "a1"))
	first.Add(ctx, batch("batch-2", "a2", "a3"))

	second := Open(ctx, testLogger(), store)
	got := second.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 restored batches, got %d", len(got))
	}
	if got[0].BatchID != "batch-1" || got[1].BatchID != "batch-2" {
		t.Fatalf("unexpected order after restore: %s, %s", got[0].BatchID, got[1].BatchID)
	}
	if len(got[1].AssetIDs) != 2 {
		t.Fatalf("expected asset ids to survive restore, got %v", got[1].AssetIDs)
	}
}

func TestSyncAdoptsBatchesFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Another process (the submission API) persists a batch the poller's
	// in-memory view has never seen.
	writer := New(testLogger(), store)
	writer.Add(ctx, batch("batch-remote", "a9"))

	r := New(testLogger(), store)
	r.Add(ctx, batch("batch-local", "a1"))

	if adopted := r.Sync(ctx); adopted != 1 {
		t.Fatalf("expected 1 adopted batch, got %d", adopted)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 tracked batches after sync, got %d", r.Len())
	}
	if adopted := r.Sync(ctx); adopted != 0 {
		t.Fatalf("expected repeat sync to adopt nothing, got %d", adopted)
	}
}

type failingStore struct {
	loadErr error
	saveErr error
}

func (s *failingStore) Load(context.Context) ([]domain.TrackedBatch, error) {
	return nil, s.loadErr
}

func (s *failingStore) Save(context.Context, []domain.TrackedBatch) error {
	return s.saveErr
}

func TestFailingStoreDegradesToMemoryTracking(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{
		loadErr: errors.New("store down"),
		saveErr: errors.New("store down"),
	}

	r := Open(ctx, testLogger(), store)
	r.Add(ctx, batch("batch-1", "a1"))
	r.Add(ctx, batch("batch-2", "a2"))
	r.Remove(ctx, "batch-1")

	got := r.List()
	if len(got) != 1 || got[0].BatchID != "batch-2" {
		t.Fatalf("expected memory tracking to keep working, got %v", got)
	}
}

func TestNilStoreTracksInMemory(t *testing.T) {
	ctx := context.Background()
	r := Open(ctx, testLogger(), nil)

	r.Add(ctx, batch("batch-1", "a1"))
	if r.Len() != 1 {
		t.Fatalf("expected 1 tracked batch, got %d", r.Len())
	}
	if adopted := r.Sync(ctx); adopted != 0 {
		t.Fatalf("expected sync without store to be a no-op, got %d", adopted)
	}
}
