package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

type EntityHandler struct {
	store JobStore
	queue Enqueuer
}

func NewEntityHandler(store JobStore, queue Enqueuer) *EntityHandler {
	return &EntityHandler{store: store, queue: queue}
}

// Delete soft-deletes an entity the caller owns and schedules the deletion
// job that removes its rows and files. A user may only delete itself.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	entity := models.EntityType(chi.URLParam(r, "entity"))
	if !entity.Valid() {
		badRequest(w, "unknown entity type "+string(entity))
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.store.MarkDeleted(r.Context(), entity, id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	enqueue(r, h.queue, job)
	writeJSON(w, http.StatusAccepted, job)
}
