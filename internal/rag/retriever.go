package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// Section is a retrieved chunk with its score and 1-based rank.
type Section struct {
	Chunk models.DocumentChunk
	Score float32
	Rank  int
}

// FindRelevant ranks the chunks of userID's selected documents against
// query and packs them in rank order. Packing stops at maxSections, or at
// the first chunk that would push the total past maxContextTokens; smaller
// chunks further down are not considered. Non-positive limits mean no limit.
func (p *Pipeline) FindRelevant(ctx context.Context, userID uuid.UUID, query []float32, maxSections, maxContextTokens int) ([]Section, error) {
	chunks, err := p.store.SelectedChunks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load candidate chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(chunks))
	byID := make(map[uuid.UUID]models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		byID[c.ID] = c
	}

	p.queryMu.Lock()
	defer p.queryMu.Unlock()

	if err := p.ensureLoaded(ctx, userID, ids); err != nil {
		return nil, err
	}
	ranked, err := p.cache.Query(query, ids)
	if err != nil {
		return nil, fmt.Errorf("rank chunks: %w", err)
	}

	var out []Section
	used := 0
	for _, r := range ranked {
		if maxSections > 0 && len(out) >= maxSections {
			break
		}
		c := byID[r.ChunkID]
		if maxContextTokens > 0 && used+c.Tokens > maxContextTokens {
			break
		}
		used += c.Tokens
		out = append(out, Section{Chunk: c, Score: r.Score, Rank: r.Rank})
	}
	return out, nil
}

// ensureLoaded reloads the cache when it belongs to someone else or is
// missing candidates, which means embeddings were written since the last
// load.
func (p *Pipeline) ensureLoaded(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	current, ok := p.cache.UserID()
	if ok && current == userID {
		missing := p.cache.Missing(ids)
		if len(missing) == 0 {
			return nil
		}
		slog.Info("vector cache is stale, reloading", "user_id", userID, "missing", len(missing))
	}
	return p.Refresh(ctx, userID)
}
