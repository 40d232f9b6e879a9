package models

import (
	"time"

	"github.com/google/uuid"
)

type Document struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	JobID       *uuid.UUID `json:"job_id,omitempty" db:"job_id"`
	Title       string     `json:"title" db:"title"`
	Author      string     `json:"author,omitempty" db:"author"`
	FilePath    string     `json:"file_path,omitempty" db:"file_path"`
	TotalTokens int        `json:"total_tokens" db:"total_tokens"`
	Selected    bool       `json:"selected" db:"selected"`
	Deleted     bool       `json:"-" db:"deleted"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

type DocumentChunk struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	ChunkIndex int       `json:"chunk_index" db:"chunk_index"`
	Content    string    `json:"content" db:"content"`
	Tokens     int       `json:"tokens" db:"tokens"`
	Pages      []int     `json:"pages" db:"pages"`
}

// StoredEmbedding is a persisted chunk vector as the cache loads it.
type StoredEmbedding struct {
	ChunkID uuid.UUID
	Vector  []float32
}

// DocumentMeta describes a document before ingestion.
type DocumentMeta struct {
	UserID   uuid.UUID
	JobID    *uuid.UUID
	Title    string
	Author   string
	FilePath string
}
