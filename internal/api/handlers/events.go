package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// Subscribe opens a user's event feed; the channel closes with ctx.
type Subscribe func(ctx context.Context, userID uuid.UUID) <-chan models.Event

type EventsHandler struct {
	subscribe Subscribe
	keepAlive time.Duration
}

func NewEventsHandler(subscribe Subscribe) *EventsHandler {
	return &EventsHandler{subscribe: subscribe, keepAlive: 15 * time.Second}
}

// Stream relays job events for the caller until the client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	events := h.subscribe(r.Context(), userID)
	sseHeaders(w)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, ev.Name, ev)
			flusher.Flush()
		}
	}
}
