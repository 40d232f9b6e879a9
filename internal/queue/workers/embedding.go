package workers

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/rag"
	"github.com/nikhilbhutani/jobpipeline/pkg/chunker"
	"github.com/nikhilbhutani/jobpipeline/pkg/textextract"
)

// Ingestor is the retrieval pipeline as the embedding handler uses it.
type Ingestor interface {
	Ingest(ctx context.Context, meta models.DocumentMeta, pages []chunker.Page, maxTokens int) (*models.Document, []models.DocumentChunk, error)
	Embed(ctx context.Context, client rag.Embedder, texts []string, progress func(done, total int)) ([][]float32, error)
	Store(ctx context.Context, doc *models.Document, model string, dimension int, vectors [][]float32) error
	Discard(ctx context.Context, docID uuid.UUID) error
}

// EmbeddingHandler extracts an uploaded document, chunks it and stores one
// embedding per chunk. On failure the document and its chunks are removed.
type EmbeddingHandler struct {
	pipeline Ingestor
	files    Files
}

func NewEmbeddingHandler(pipeline Ingestor, files Files) *EmbeddingHandler {
	return &EmbeddingHandler{pipeline: pipeline, files: files}
}

func (h *EmbeddingHandler) Handle(ctx context.Context, run *Run) (string, error) {
	p := run.Payload.Embedding

	data, err := readArtifact(ctx, h.files, p.FilePath)
	if err != nil {
		return "", err
	}

	fileType := p.FileType
	if fileType == "" {
		fileType = filepath.Ext(p.FilePath)
	}
	pages, err := textextract.Extract(bytes.NewReader(data), int64(len(data)), fileType)
	if err != nil {
		return "", joberr.Wrap(joberr.KindInvalidRequest, err, "extract text")
	}
	run.Progress("extracted %d pages", len(pages))

	jobID := run.Job.ID
	doc, chunks, err := h.pipeline.Ingest(ctx, models.DocumentMeta{
		UserID:   run.Job.UserID,
		JobID:    &jobID,
		Title:    p.Title,
		Author:   p.Author,
		FilePath: p.FilePath,
	}, pages, p.ChunkSize)
	if err != nil {
		return "", err
	}

	if err := h.embed(ctx, run, doc, chunks); err != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if derr := h.pipeline.Discard(cctx, doc.ID); derr != nil {
			return "", joberr.Wrap(joberr.KindOf(err), err, "rollback also failed: "+derr.Error())
		}
		return "", err
	}

	run.OnClaimLost(func(ctx context.Context) error {
		return h.pipeline.Discard(ctx, doc.ID)
	})
	return summary(map[string]any{
		"document_id": doc.ID,
		"chunks":      len(chunks),
		"tokens":      doc.TotalTokens,
	}), nil
}

func (h *EmbeddingHandler) embed(ctx context.Context, run *Run, doc *models.Document, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := h.pipeline.Embed(ctx, run.Client, texts, func(done, total int) {
		run.Progress("embedded %d/%d chunks", done, total)
	})
	if err != nil {
		return err
	}
	return h.pipeline.Store(ctx, doc, run.Client.EmbeddingModel(), run.Client.EmbeddingDimension(), vectors)
}
