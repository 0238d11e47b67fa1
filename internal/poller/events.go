package poller

import (
	"encoding/json"
	"net/http"

	"github.com/storystack/tagflow/internal/notify"
)

// handleEvents streams hub events to one observer over SSE. Delivery is
// best effort: a slow consumer drops events rather than stalling the hub
// fan-out, and a reconnecting observer recovers by re-querying asset
// status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan notify.Event, 16)
	release := s.hub.Subscribe(func(e notify.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer release()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("encode event failed kind=%s err=%v", event.Kind, err)
				continue
			}
			if _, err := w.Write([]byte("event: " + event.Kind + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
