package notify

import "sync"

const (
	EventBatchCompleted  = "batch.completed"
	EventTrackingDrained = "tracking.drained"
)

// Event is the completion broadcast. CompletedAssetIDs is the success
// payload; assets whose tagging failed are listed separately and never
// appear in CompletedAssetIDs.
type Event struct {
	Kind              string   `json:"kind"`
	BatchID           string   `json:"batch_id,omitempty"`
	CompletedAssetIDs []string `json:"completed_asset_ids,omitempty"`
	FailedAssetIDs    []string `json:"failed_asset_ids,omitempty"`
}

// Hub fans events out to registered observers, synchronously and in
// subscription order. It knows nothing about the poll loop or any screen.
type Hub struct {
	mu     sync.Mutex
	nextID int
	order  []int
	subs   map[int]func(Event)
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]func(Event)),
	}
}

// Subscribe registers an observer and returns its release func. Callers
// own the release: defer it so the subscription cannot outlive the
// observer.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.order = append(h.order, id)
	h.subs[id] = fn

	released := false
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(h.subs, id)
		for i, sid := range h.order {
			if sid == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to every current subscriber. Publishing
// with no subscribers is a no-op.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.order))
	for _, id := range h.order {
		if fn, ok := h.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
