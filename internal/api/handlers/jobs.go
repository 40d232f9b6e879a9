package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// JobStore is the job table as the API uses it.
type JobStore interface {
	CreateAs(ctx context.Context, id, userID uuid.UUID, payload models.Payload) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	RetryFailed(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkDeleted(ctx context.Context, entity models.EntityType, id, userID uuid.UUID) (*models.Job, error)
}

type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
}

// Files stores uploaded inputs.
type Files interface {
	Upload(ctx context.Context, entity models.EntityType, name string, data io.Reader) (string, error)
	RemoveMatching(entity models.EntityType, id uuid.UUID) (int, error)
}

var audioExtensions = []string{".flac", ".m4a", ".mp3", ".mp4", ".mpeg", ".mpga", ".ogg", ".wav", ".webm"}

type JobHandler struct {
	store     JobStore
	queue     Enqueuer
	files     Files
	maxUpload int64
}

func NewJobHandler(store JobStore, queue Enqueuer, files Files, maxUpload int64) *JobHandler {
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &JobHandler{store: store, queue: queue, files: files, maxUpload: maxUpload}
}

func (h *JobHandler) CreateImage(w http.ResponseWriter, r *http.Request) {
	var p models.ImagePayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if p.Model == "" {
		p.Model = "dall-e-3"
	}
	if p.Size == "" {
		p.Size = "1024x1024"
	}
	if p.Count <= 0 {
		p.Count = 1
	}
	h.create(w, r, uuid.New(), models.NewImagePayload(p))
}

func (h *JobHandler) CreateTTS(w http.ResponseWriter, r *http.Request) {
	var p models.TTSPayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if p.Model == "" {
		p.Model = "tts-1"
	}
	if p.Voice == "" {
		p.Voice = "alloy"
	}
	if p.Format == "" {
		p.Format = "mp3"
	}
	if p.Speed == 0 {
		p.Speed = 1
	}
	if p.Speed < 0.25 || p.Speed > 4 {
		badRequest(w, "speed must be between 0.25 and 4")
		return
	}
	h.create(w, r, uuid.New(), models.NewTTSPayload(p))
}

func (h *JobHandler) CreateTranscription(w http.ResponseWriter, r *http.Request) {
	h.createAudio(w, r, models.NewTranscriptionPayload)
}

func (h *JobHandler) CreateTranslation(w http.ResponseWriter, r *http.Request) {
	h.createAudio(w, r, models.NewTranslationPayload)
}

// createAudio stores the uploaded recording under the new job's id and
// creates the job that reads it.
func (h *JobHandler) createAudio(w http.ResponseWriter, r *http.Request, build func(models.AudioPayload) models.Payload) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		badRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(audioExtensions, ext) {
		badRequest(w, "unsupported audio format "+ext)
		return
	}

	format := r.FormValue("response_format")
	if format == "" {
		format = "json"
	}

	id := uuid.New()
	path, err := h.files.Upload(r.Context(), models.EntityAudioJob, id.String()+"-input"+ext, file)
	if err != nil {
		writeError(w, r, err)
		return
	}

	payload := build(models.AudioPayload{
		FilePath:       path,
		Model:          formValue(r, "model", "whisper-1"),
		Prompt:         r.FormValue("prompt"),
		Language:       r.FormValue("language"),
		ResponseFormat: format,
	})
	if !h.create(w, r, id, payload) {
		if _, err := h.files.RemoveMatching(models.EntityAudioJob, id); err != nil {
			slog.Warn("remove orphaned upload", "job_id", id, "error", err)
		}
	}
}

// create persists and enqueues a job, answering 202 with the job.
func (h *JobHandler) create(w http.ResponseWriter, r *http.Request, id uuid.UUID, payload models.Payload) bool {
	userID, ok := currentUser(w, r)
	if !ok {
		return false
	}
	job, err := h.store.CreateAs(r.Context(), id, userID, payload)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	enqueue(r, h.queue, job)
	writeJSON(w, http.StatusAccepted, job)
	return true
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Retry starts a new job with a failed job's payload.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.owned(w, r)
	if !ok {
		return
	}
	retried, err := h.store.RetryFailed(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	enqueue(r, h.queue, retried)
	writeJSON(w, http.StatusAccepted, retried)
}

func (h *JobHandler) owned(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return nil, false
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	job, err := h.store.Get(r.Context(), id)
	if err == nil && (job.UserID != userID || job.Deleted) {
		err = joberr.New(joberr.KindNotFound, "job %s", id)
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return job, true
}

func formValue(r *http.Request, key, def string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return def
}
