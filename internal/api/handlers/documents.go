package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/pkg/textextract"
)

// Documents is the document table as the API uses it.
type Documents interface {
	List(ctx context.Context, userID uuid.UUID) ([]models.Document, error)
	SetSelected(ctx context.Context, userID, id uuid.UUID, selected bool) error
}

type DocumentHandler struct {
	docs        Documents
	jobs        *JobHandler
	files       Files
	chunkTokens int
}

func NewDocumentHandler(docs Documents, jobs *JobHandler, files Files, chunkTokens int) *DocumentHandler {
	return &DocumentHandler{docs: docs, jobs: jobs, files: files, chunkTokens: chunkTokens}
}

// Upload stores a document and creates the embedding job that ingests it.
// The stored file is named after the job.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.jobs.maxUpload)
	if err := r.ParseMultipartForm(h.jobs.maxUpload); err != nil {
		badRequest(w, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !textextract.Supported(name) {
		badRequest(w, "unsupported document type, expected one of "+strings.Join(textextract.SupportedTypes(), ", "))
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}

	id := uuid.New()
	path, err := h.files.Upload(r.Context(), models.EntityDocument, id.String()+"-"+name, file)
	if err != nil {
		writeError(w, r, err)
		return
	}

	payload := models.NewEmbeddingPayload(models.EmbeddingPayload{
		FilePath:  path,
		FileType:  filepath.Ext(name),
		ChunkSize: h.chunkTokens,
		Title:     title,
		Author:    r.FormValue("author"),
	})
	if !h.jobs.create(w, r, id, payload) {
		if _, err := h.files.RemoveMatching(models.EntityDocument, id); err != nil {
			slog.Warn("remove orphaned upload", "job_id", id, "error", err)
		}
	}
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	docs, err := h.docs.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs, "count": len(docs)})
}

// Select toggles whether a document takes part in retrieval.
func (h *DocumentHandler) Select(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Selected *bool `json:"selected"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Selected == nil {
		badRequest(w, "selected required")
		return
	}
	if err := h.docs.SetSelected(r.Context(), userID, id, *req.Selected); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "selected": *req.Selected})
}
