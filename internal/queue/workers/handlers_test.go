package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/audio"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/rag"
	"github.com/nikhilbhutani/jobpipeline/internal/storage"
	"github.com/nikhilbhutani/jobpipeline/pkg/chunker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapability struct {
	mu          sync.Mutex
	transcripts map[string]string
	images      [][]byte
	speech      []byte
	err         error
	audioCalls  []string
}

func (f *fakeCapability) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, f.err
}

func (f *fakeCapability) Transcribe(_ context.Context, req llm.AudioRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioCalls = append(f.audioCalls, "transcribe:"+filepath.Base(req.FilePath))
	return f.transcripts[req.FilePath], f.err
}

func (f *fakeCapability) Translate(_ context.Context, req llm.AudioRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioCalls = append(f.audioCalls, "translate:"+filepath.Base(req.FilePath))
	return f.transcripts[req.FilePath], f.err
}

func (f *fakeCapability) Speak(context.Context, llm.SpeechRequest) ([]byte, error) {
	return f.speech, f.err
}

func (f *fakeCapability) GenerateImage(context.Context, llm.ImageRequest) ([][]byte, error) {
	return f.images, f.err
}

func (f *fakeCapability) ChatStream(context.Context, llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCapability) EmbeddingModel() string  { return "test-embed" }
func (f *fakeCapability) EmbeddingDimension() int { return 2 }

func newFiles(t *testing.T) *storage.Local {
	t.Helper()
	l, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return l
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newRun(jobType models.JobType, payload models.Payload, client llm.Capability) *Run {
	return &Run{
		Job:     &models.Job{ID: uuid.New(), Type: jobType, UserID: uuid.New(), Status: models.JobStatusProcessing},
		Payload: payload,
		Client:  client,
	}
}

type fakeIngestor struct {
	stored    bool
	discarded []uuid.UUID
	storeErr  error
	chunks    int
}

func (f *fakeIngestor) Ingest(_ context.Context, meta models.DocumentMeta, pages []chunker.Page, maxTokens int) (*models.Document, []models.DocumentChunk, error) {
	doc := &models.Document{ID: uuid.New(), UserID: meta.UserID, JobID: meta.JobID}
	chunks := chunker.Split(pages, maxTokens)
	rows := make([]models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = models.DocumentChunk{ID: uuid.New(), DocumentID: doc.ID, ChunkIndex: c.Index, Content: c.Content, Tokens: c.Tokens}
		doc.TotalTokens += c.Tokens
	}
	f.chunks = len(rows)
	return doc, rows, nil
}

func (f *fakeIngestor) Embed(ctx context.Context, client rag.Embedder, texts []string, progress func(done, total int)) ([][]float32, error) {
	vecs, err := client.Embed(ctx, texts)
	if err == nil && progress != nil {
		progress(len(vecs), len(texts))
	}
	return vecs, err
}

func (f *fakeIngestor) Store(context.Context, *models.Document, string, int, [][]float32) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = true
	return nil
}

func (f *fakeIngestor) Discard(_ context.Context, docID uuid.UUID) error {
	f.discarded = append(f.discarded, docID)
	return nil
}

func uploadText(t *testing.T, files *storage.Local, name, text string) string {
	t.Helper()
	path, err := files.Upload(context.Background(), models.EntityDocument, name, strings.NewReader(text))
	require.NoError(t, err)
	return path
}

func TestEmbeddingHandlerStoresVectors(t *testing.T) {
	files := newFiles(t)
	ing := &fakeIngestor{}
	path := uploadText(t, files, "notes.txt", "hello world.\nfoo bar.")
	run := newRun(models.JobTypeEmbedding, models.NewEmbeddingPayload(models.EmbeddingPayload{FilePath: path, ChunkSize: 4}), &fakeCapability{})

	result, err := NewEmbeddingHandler(ing, files).Handle(context.Background(), run)
	require.NoError(t, err)
	assert.True(t, ing.stored)
	assert.Empty(t, ing.discarded)
	assert.Contains(t, result, `"chunks":2`)
}

func TestEmbeddingHandlerUndoDiscardsDocument(t *testing.T) {
	files := newFiles(t)
	ing := &fakeIngestor{}
	path := uploadText(t, files, "notes.txt", "hello world.\nfoo bar.")
	run := newRun(models.JobTypeEmbedding, models.NewEmbeddingPayload(models.EmbeddingPayload{FilePath: path, ChunkSize: 4}), &fakeCapability{})

	_, err := NewEmbeddingHandler(ing, files).Handle(context.Background(), run)
	require.NoError(t, err)
	assert.Empty(t, ing.discarded)
	require.Len(t, run.undo, 1)

	require.NoError(t, run.undo[0](context.Background()))
	assert.Len(t, ing.discarded, 1)
}

func TestEmbeddingHandlerDiscardsOnMismatch(t *testing.T) {
	files := newFiles(t)
	ing := &fakeIngestor{storeErr: joberr.New(joberr.KindChunkMismatch, "2 chunks, 1 vector")}
	path := uploadText(t, files, "notes.txt", "hello world.\nfoo bar.")
	run := newRun(models.JobTypeEmbedding, models.NewEmbeddingPayload(models.EmbeddingPayload{FilePath: path, ChunkSize: 4}), &fakeCapability{})

	_, err := NewEmbeddingHandler(ing, files).Handle(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, joberr.KindChunkMismatch, joberr.KindOf(err))
	assert.Len(t, ing.discarded, 1)
}

func TestEmbeddingHandlerMissingFile(t *testing.T) {
	files := newFiles(t)
	run := newRun(models.JobTypeEmbedding, models.NewEmbeddingPayload(models.EmbeddingPayload{
		FilePath: filepath.Join(files.Dir(models.EntityDocument), "gone.txt"),
	}), &fakeCapability{})

	_, err := NewEmbeddingHandler(&fakeIngestor{}, files).Handle(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, joberr.KindNotFound, joberr.KindOf(err))
}

type fakeImageStore struct {
	rows    []models.GeneratedImage
	failAt  int
	deleted []uuid.UUID
}

func (s *fakeImageStore) InsertGeneratedImage(_ context.Context, img models.GeneratedImage) error {
	if s.failAt > 0 && len(s.rows)+1 == s.failAt {
		return errors.New("insert failed")
	}
	s.rows = append(s.rows, img)
	return nil
}

func (s *fakeImageStore) DeleteImages(_ context.Context, ids []uuid.UUID) error {
	s.deleted = append(s.deleted, ids...)
	kept := s.rows[:0]
	for _, row := range s.rows {
		if !slices.Contains(ids, row.ID) {
			kept = append(kept, row)
		}
	}
	s.rows = kept
	return nil
}

func TestImageHandlerRollsBackPartialWrites(t *testing.T) {
	files := newFiles(t)
	store := &fakeImageStore{failAt: 2}
	client := &fakeCapability{images: [][]byte{[]byte("png1"), []byte("png2")}}
	run := newRun(models.JobTypeImage, models.NewImagePayload(models.ImagePayload{Prompt: "cat", Count: 2}), client)

	_, err := NewImageHandler(store, files, fastRetry()).Handle(context.Background(), run)
	require.Error(t, err)
	assert.Len(t, store.deleted, 2)
	assert.Empty(t, store.rows)

	entries, err := os.ReadDir(files.Dir(models.EntityGeneratedImage))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImageHandlerStoresImages(t *testing.T) {
	files := newFiles(t)
	store := &fakeImageStore{}
	client := &fakeCapability{images: [][]byte{[]byte("png1"), []byte("png2")}}
	run := newRun(models.JobTypeImage, models.NewImagePayload(models.ImagePayload{Prompt: "cat", Count: 2}), client)

	_, err := NewImageHandler(store, files, fastRetry()).Handle(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, store.rows, 2)
	assert.FileExists(t, store.rows[0].FilePath)
	assert.Equal(t, run.Job.ID, *store.rows[1].JobID)
	assert.Empty(t, store.deleted)
}

func TestImageHandlerUndoRemovesStoredImages(t *testing.T) {
	files := newFiles(t)
	store := &fakeImageStore{}
	client := &fakeCapability{images: [][]byte{[]byte("png1"), []byte("png2")}}
	run := newRun(models.JobTypeImage, models.NewImagePayload(models.ImagePayload{Prompt: "cat", Count: 2}), client)

	_, err := NewImageHandler(store, files, fastRetry()).Handle(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, run.undo, 1)

	require.NoError(t, run.undo[0](context.Background()))
	assert.Empty(t, store.rows)
	assert.Len(t, store.deleted, 2)
	entries, err := os.ReadDir(files.Dir(models.EntityGeneratedImage))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTTSHandlerWritesAudio(t *testing.T) {
	files := newFiles(t)
	run := newRun(models.JobTypeTTS, models.NewTTSPayload(models.TTSPayload{Input: "hi", Format: "opus"}), &fakeCapability{speech: []byte("OggS")})

	_, err := NewTTSHandler(files, fastRetry()).Handle(context.Background(), run)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(files.Dir(models.EntityAudioJob), run.Job.ID.String()+".opus"))
	require.NoError(t, err)
	assert.Equal(t, "OggS", string(data))
}

func TestTTSHandlerDoesNotRetryCredentialErrors(t *testing.T) {
	files := newFiles(t)
	client := &fakeCapability{err: joberr.New(joberr.KindCredential, "bad key")}
	run := newRun(models.JobTypeTTS, models.NewTTSPayload(models.TTSPayload{Input: "hi"}), client)

	_, err := NewTTSHandler(files, fastRetry()).Handle(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, joberr.KindCredential, joberr.KindOf(err))
}

type fakeSegmenter struct {
	segments []audio.Segment
}

func (s *fakeSegmenter) Segment(context.Context, string, time.Duration, time.Duration) ([]audio.Segment, error) {
	return s.segments, nil
}

func TestAudioHandlerReassemblesInIndexOrder(t *testing.T) {
	files := newFiles(t)
	dir := t.TempDir()
	seg0, seg1 := filepath.Join(dir, "a_part000.mp3"), filepath.Join(dir, "a_part001.mp3")
	segmenter := &fakeSegmenter{segments: []audio.Segment{
		{Index: 0, Path: seg0, Start: 0, Duration: 595 * time.Second},
		{Index: 1, Path: seg1, Start: 595 * time.Second, Duration: 300 * time.Second},
	}}
	client := &fakeCapability{transcripts: map[string]string{
		seg0: "1\n00:00:01,000 --> 00:00:02,000\nfirst\n",
		seg1: "1\n00:00:01,000 --> 00:00:02,000\nsecond\n",
	}}
	run := newRun(models.JobTypeTranslation, models.Payload{
		Type:  models.JobTypeTranslation,
		Audio: &models.AudioPayload{FilePath: filepath.Join(dir, "a.mp3"), ResponseFormat: audio.FormatSRT},
	}, client)

	var progress []string
	run.notify = func(msg string) { progress = append(progress, msg) }

	_, err := NewAudioHandler(segmenter, files, 10*time.Minute, 20*time.Second, fastRetry()).Handle(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, []string{"translate:a_part000.mp3", "translate:a_part001.mp3"}, client.audioCalls)
	data, err := os.ReadFile(filepath.Join(files.Dir(models.EntityAudioJob), run.Job.ID.String()+".srt"))
	require.NoError(t, err)
	out := string(data)
	assert.Less(t, strings.Index(out, "first"), strings.Index(out, "second"))
	assert.Contains(t, out, "00:09:56,000 --> 00:09:57,000")
	assert.Len(t, progress, 3)
}

type fakeDeletionStore struct {
	mu        sync.Mutex
	present   map[uuid.UUID]uuid.UUID
	artifacts []jobs.Artifact
}

func (s *fakeDeletionStore) Artifacts(_ context.Context, entity models.EntityType, id uuid.UUID) ([]jobs.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.present[id]; !ok {
		return nil, nil
	}
	return s.artifacts, nil
}

func (s *fakeDeletionStore) Purge(_ context.Context, _ models.EntityType, id uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.present[id]
	delete(s.present, id)
	return owner, ok, nil
}

type recordingEvicter struct {
	users []uuid.UUID
}

func (e *recordingEvicter) Evict(_ context.Context, userID uuid.UUID) error {
	e.users = append(e.users, userID)
	return nil
}

func TestDeletionHandlerIsIdempotent(t *testing.T) {
	files := newFiles(t)
	docID, jobID, owner := uuid.New(), uuid.New(), uuid.New()
	uploadText(t, files, jobID.String()+"-notes.txt", "hello")
	other := uploadText(t, files, uuid.New().String()+"-other.txt", "keep")

	store := &fakeDeletionStore{
		present: map[uuid.UUID]uuid.UUID{docID: owner},
		artifacts: []jobs.Artifact{
			{Entity: models.EntityDocument, ID: docID},
			{Entity: models.EntityDocument, ID: jobID},
		},
	}
	evicter := &recordingEvicter{}
	h := NewDeletionHandler(store, files, evicter, nil)
	payload := models.NewDeletionPayload(models.EntityDocument, docID)

	result, err := h.Handle(context.Background(), newRun(models.JobTypeDeletion, payload, nil))
	require.NoError(t, err)
	assert.Contains(t, result, `"files_removed":1`)
	assert.Contains(t, result, `"row_removed":true`)
	assert.Equal(t, []uuid.UUID{owner}, evicter.users)
	assert.FileExists(t, other)

	result, err = h.Handle(context.Background(), newRun(models.JobTypeDeletion, payload, nil))
	require.NoError(t, err)
	assert.Contains(t, result, `"row_removed":false`)
	assert.Len(t, evicter.users, 1)
}

type recordingForgetter struct {
	keys []uuid.UUID
}

func (f *recordingForgetter) Forget(id uuid.UUID) { f.keys = append(f.keys, id) }

func TestDeletionHandlerForgetsAPIKey(t *testing.T) {
	keyID := uuid.New()
	store := &fakeDeletionStore{present: map[uuid.UUID]uuid.UUID{keyID: uuid.New()}}
	forgetter := &recordingForgetter{}
	h := NewDeletionHandler(store, newFiles(t), nil, forgetter)

	_, err := h.Handle(context.Background(), newRun(models.JobTypeDeletion, models.NewDeletionPayload(models.EntityAPIKey, keyID), nil))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{keyID}, forgetter.keys)
}
