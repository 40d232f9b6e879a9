package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/auth"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps an error kind to a response. Internal errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch joberr.KindOf(err) {
	case joberr.KindInvalidRequest:
		status = http.StatusBadRequest
	case joberr.KindNotFound:
		status = http.StatusNotFound
	case joberr.KindCredential:
		status = http.StatusForbidden
	case joberr.KindTimeout:
		status = http.StatusGatewayTimeout
	case joberr.KindTransient:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(joberr.KindOf(err))})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "kind": string(joberr.KindInvalidRequest)})
}

// currentUser reads the authenticated user or answers 401.
func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
	}
	return id, ok
}

func idParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, joberr.New(joberr.KindInvalidRequest, "invalid %s", name)
	}
	return id, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return joberr.Wrap(joberr.KindInvalidRequest, err, "invalid request body")
	}
	return nil
}

// enqueue hands a freshly created job to the queue. A lost enqueue leaves
// the job Pending for the requeue sweep, so the request still succeeds.
func enqueue(r *http.Request, q Enqueuer, job *models.Job) {
	if err := q.EnqueueJob(context.WithoutCancel(r.Context()), job); err != nil {
		slog.Warn("enqueue failed, left for requeue", "job_id", job.ID, "type", job.Type, "error", err)
	}
}
