// Package document persists documents, their chunks and chunk embeddings.
package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/pkg/chunker"
	"github.com/pgvector/pgvector-go"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a document and its chunks in one transaction.
func (r *Repository) Create(ctx context.Context, meta models.DocumentMeta, chunks []chunker.Chunk) (*models.Document, []models.DocumentChunk, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc := models.Document{
		ID:          uuid.New(),
		UserID:      meta.UserID,
		JobID:       meta.JobID,
		Title:       meta.Title,
		Author:      meta.Author,
		FilePath:    meta.FilePath,
		TotalTokens: chunker.TotalTokens(chunks),
		Selected:    true,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO documents (id, user_id, job_id, title, author, file_path, total_tokens, selected)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		doc.ID, doc.UserID, doc.JobID, doc.Title, doc.Author, doc.FilePath, doc.TotalTokens, doc.Selected,
	).Scan(&doc.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert document: %w", err)
	}

	rows := make([]models.DocumentChunk, len(chunks))
	batch := &pgx.Batch{}
	for i, c := range chunks {
		rows[i] = models.DocumentChunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			Tokens:     c.Tokens,
			Pages:      c.Pages,
		}
		batch.Queue(
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, tokens, pages)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rows[i].ID, doc.ID, c.Index, c.Content, c.Tokens, c.Pages,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, nil, fmt.Errorf("insert chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit document: %w", err)
	}
	return &doc, rows, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, job_id, title, author, file_path, total_tokens, selected, deleted, created_at
		 FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.UserID, &doc.JobID, &doc.Title, &doc.Author, &doc.FilePath,
		&doc.TotalTokens, &doc.Selected, &doc.Deleted, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, joberr.New(joberr.KindNotFound, "document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// List returns a user's live documents, newest first.
func (r *Repository) List(ctx context.Context, userID uuid.UUID) ([]models.Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, job_id, title, author, file_path, total_tokens, selected, deleted, created_at
		 FROM documents WHERE user_id = $1 AND NOT deleted
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.UserID, &d.JobID, &d.Title, &d.Author, &d.FilePath,
			&d.TotalTokens, &d.Selected, &d.Deleted, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Delete hard-deletes a document; chunks and embeddings cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, "DELETE FROM documents WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (r *Repository) SetSelected(ctx context.Context, userID, id uuid.UUID, selected bool) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE documents SET selected = $3 WHERE id = $1 AND user_id = $2 AND NOT deleted",
		id, userID, selected)
	if err != nil {
		return fmt.Errorf("update selection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return joberr.New(joberr.KindNotFound, "document %s", id)
	}
	return nil
}

// Chunks returns a document's chunks in chunk_index order.
func (r *Repository) Chunks(ctx context.Context, docID uuid.UUID) ([]models.DocumentChunk, error) {
	return r.queryChunks(ctx,
		`SELECT id, document_id, chunk_index, content, tokens, pages
		 FROM document_chunks WHERE document_id = $1
		 ORDER BY chunk_index`, docID)
}

// SelectedChunks returns the chunks of every selected, live document of a
// user, in insertion order.
func (r *Repository) SelectedChunks(ctx context.Context, userID uuid.UUID) ([]models.DocumentChunk, error) {
	return r.queryChunks(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content, c.tokens, c.pages
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE d.user_id = $1 AND d.selected AND NOT d.deleted
		 ORDER BY d.created_at, d.id, c.chunk_index`, userID)
}

func (r *Repository) queryChunks(ctx context.Context, sql string, arg uuid.UUID) ([]models.DocumentChunk, error) {
	rows, err := r.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var c models.DocumentChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.Tokens, &c.Pages); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertEmbeddings writes one vector per chunk id in a single transaction.
// The chunk count is re-checked inside the transaction so a concurrent
// change to the document cannot leave a partial set behind.
func (r *Repository) InsertEmbeddings(ctx context.Context, docID, userID uuid.UUID, model string, chunkIDs []uuid.UUID, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return joberr.New(joberr.KindChunkMismatch, "%d vectors for %d chunks", len(vectors), len(chunkIDs))
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx,
		"SELECT count(*) FROM document_chunks WHERE document_id = $1", docID,
	).Scan(&count); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if count != len(chunkIDs) {
		return joberr.New(joberr.KindChunkMismatch, "document %s has %d chunks, got %d vectors", docID, count, len(vectors))
	}

	batch := &pgx.Batch{}
	for i, id := range chunkIDs {
		batch.Queue(
			`INSERT INTO document_embeddings (chunk_id, user_id, vector, model)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (chunk_id) DO UPDATE SET vector = EXCLUDED.vector, model = EXCLUDED.model`,
			id, userID, pgvector.NewVector(vectors[i]), model,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert embeddings: %w", err)
	}

	return tx.Commit(ctx)
}

// UserEmbeddings loads every embedding a user owns whose document is not
// soft-deleted, in insertion order.
func (r *Repository) UserEmbeddings(ctx context.Context, userID uuid.UUID) ([]models.StoredEmbedding, error) {
	rows, err := r.db.Query(ctx,
		`SELECT e.chunk_id, e.vector
		 FROM document_embeddings e
		 JOIN document_chunks c ON c.id = e.chunk_id
		 JOIN documents d ON d.id = c.document_id
		 WHERE e.user_id = $1 AND NOT d.deleted
		 ORDER BY d.created_at, d.id, c.chunk_index`, userID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.StoredEmbedding
	for rows.Next() {
		var (
			id  uuid.UUID
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, models.StoredEmbedding{ChunkID: id, Vector: vec.Slice()})
	}
	return out, rows.Err()
}
