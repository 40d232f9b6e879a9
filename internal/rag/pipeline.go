// Package rag turns extracted documents into embedded chunks and retrieves
// the chunks most relevant to a query.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/vectorcache"
	"github.com/nikhilbhutani/jobpipeline/pkg/chunker"
)

// Store is the persistence the pipeline needs.
type Store interface {
	Create(ctx context.Context, meta models.DocumentMeta, chunks []chunker.Chunk) (*models.Document, []models.DocumentChunk, error)
	Chunks(ctx context.Context, docID uuid.UUID) ([]models.DocumentChunk, error)
	InsertEmbeddings(ctx context.Context, docID, userID uuid.UUID, model string, chunkIDs []uuid.UUID, vectors [][]float32) error
	SelectedChunks(ctx context.Context, userID uuid.UUID) ([]models.DocumentChunk, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Cache is the in-memory vector index.
type Cache interface {
	LoadUser(ctx context.Context, userID uuid.UUID) error
	Query(query []float32, candidates []uuid.UUID) ([]vectorcache.Ranked, error)
	UserID() (uuid.UUID, bool)
	Missing(candidates []uuid.UUID) []uuid.UUID
	Len() int
}

// Embedder is the slice of the model capability used for embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
	EmbeddingDimension() int
}

type Config struct {
	MaxTokensPerChunk int
	BatchTokenBudget  int
	Retry             llm.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxTokensPerChunk <= 0 {
		c.MaxTokensPerChunk = 256
	}
	if c.BatchTokenBudget <= 0 {
		c.BatchTokenBudget = 8000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = llm.DefaultRetryPolicy()
	}
	return c
}

type Pipeline struct {
	store    Store
	cache    Cache
	cfg      Config
	loaded   func(entries int)
	requests func(err error)

	// serializes the load check and the query so a concurrent reload for
	// another user cannot slip between them
	queryMu sync.Mutex
}

func NewPipeline(store Store, cache Cache, cfg Config) *Pipeline {
	return &Pipeline{store: store, cache: cache, cfg: cfg.withDefaults()}
}

// OnCacheLoad registers a callback invoked with the entry count after every
// cache reload.
func (p *Pipeline) OnCacheLoad(fn func(entries int)) {
	p.loaded = fn
}

// OnEmbedRequest registers a callback invoked after every embedding call,
// including retried ones, with that call's error.
func (p *Pipeline) OnEmbedRequest(fn func(err error)) {
	p.requests = fn
}

// Ingest chunks pages and persists the document with its chunks.
// maxTokens <= 0 uses the configured chunk size.
func (p *Pipeline) Ingest(ctx context.Context, meta models.DocumentMeta, pages []chunker.Page, maxTokens int) (*models.Document, []models.DocumentChunk, error) {
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokensPerChunk
	}
	chunks := chunker.Split(pages, maxTokens)

	doc, rows, err := p.store.Create(ctx, meta, chunks)
	if err != nil {
		return nil, nil, fmt.Errorf("persist document: %w", err)
	}
	slog.Info("document ingested", "document_id", doc.ID, "chunks", len(rows), "tokens", doc.TotalTokens)
	return doc, rows, nil
}

// Embed returns one vector per text, batching requests under the token
// budget and retrying transient failures. progress, if set, is called after
// each batch with the number of texts embedded so far.
func (p *Pipeline) Embed(ctx context.Context, client Embedder, texts []string, progress func(done, total int)) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, b := range Batches(texts, p.cfg.BatchTokenBudget) {
		batch := texts[b.Start:b.End]
		vecs, err := llm.Retry(ctx, p.cfg.Retry, "embed batch", func(ctx context.Context) ([][]float32, error) {
			vecs, err := client.Embed(ctx, batch)
			if p.requests != nil {
				p.requests(err)
			}
			return vecs, err
		})
		if err != nil {
			return nil, fmt.Errorf("embed texts %d-%d: %w", b.Start, b.End-1, err)
		}
		if len(vecs) != len(batch) {
			return nil, joberr.New(joberr.KindChunkMismatch,
				"embedding batch returned %d vectors for %d texts", len(vecs), len(batch))
		}
		out = append(out, vecs...)
		if progress != nil {
			progress(len(out), len(texts))
		}
	}
	return out, nil
}

// Store persists vectors for a document's chunks and reloads the owner's
// cache entries. Nothing is written unless the vector count matches the
// chunk count and every vector has the declared dimension.
func (p *Pipeline) Store(ctx context.Context, doc *models.Document, model string, dimension int, vectors [][]float32) error {
	chunks, err := p.store.Chunks(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return joberr.New(joberr.KindChunkMismatch,
			"document %s has %d chunks, got %d vectors", doc.ID, len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if dimension > 0 && len(v) != dimension {
			return joberr.New(joberr.KindDimensionMismatch,
				"vector %d has dimension %d, expected %d", i, len(v), dimension)
		}
	}

	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if err := p.store.InsertEmbeddings(ctx, doc.ID, doc.UserID, model, ids, vectors); err != nil {
		return fmt.Errorf("store embeddings: %w", err)
	}

	return p.Refresh(ctx, doc.UserID)
}

// Refresh reloads userID's cache entries from the store.
func (p *Pipeline) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := p.cache.LoadUser(ctx, userID); err != nil {
		return fmt.Errorf("refresh vector cache: %w", err)
	}
	if p.loaded != nil {
		p.loaded(p.cache.Len())
	}
	return nil
}

// Evict reloads userID's entries only when the cache currently holds them.
func (p *Pipeline) Evict(ctx context.Context, userID uuid.UUID) error {
	if current, ok := p.cache.UserID(); !ok || current != userID {
		return nil
	}
	return p.Refresh(ctx, userID)
}

// Discard removes a partially ingested document.
func (p *Pipeline) Discard(ctx context.Context, docID uuid.UUID) error {
	if err := p.store.Delete(ctx, docID); err != nil {
		return fmt.Errorf("discard document %s: %w", docID, err)
	}
	return nil
}
