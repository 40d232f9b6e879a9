// Package vectorcache holds one user's chunk embeddings in memory and ranks
// candidate chunks against a query vector by brute-force inner product.
package vectorcache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// Loader returns every non-deleted embedding owned by a user.
type Loader interface {
	UserEmbeddings(ctx context.Context, userID uuid.UUID) ([]models.StoredEmbedding, error)
}

// Ranked is one scored candidate. Rank is its 1-based position in the
// result, so tied scores still get distinct ranks.
type Ranked struct {
	ChunkID uuid.UUID
	Score   float32
	Rank    int
}

// Cache is safe for concurrent use. Queries share a read lock; Clear and the
// swap at the end of LoadUser take the write lock.
type Cache struct {
	loader Loader

	loadMu sync.Mutex

	mu      sync.RWMutex
	gen     uint64
	user    uuid.UUID
	loaded  bool
	dim     int
	ids     []uuid.UUID
	index   map[uuid.UUID]int
	vectors []float32
}

func New(loader Loader) *Cache {
	return &Cache{loader: loader}
}

// LoadUser replaces the cache contents with userID's embeddings. A Clear that
// lands while the load is in flight wins and the loaded block is discarded.
func (c *Cache) LoadUser(ctx context.Context, userID uuid.UUID) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	gen := c.Clear()

	rows, err := c.loader.UserEmbeddings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load embeddings for user %s: %w", userID, err)
	}

	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0].Vector)
	}

	ids := make([]uuid.UUID, 0, len(rows))
	index := make(map[uuid.UUID]int, len(rows))
	vectors := make([]float32, 0, len(rows)*dim)
	for _, r := range rows {
		if len(r.Vector) != dim || dim == 0 {
			slog.Warn("skipping embedding with unexpected dimension",
				"chunk_id", r.ChunkID, "dimension", len(r.Vector), "expected", dim)
			continue
		}
		if _, dup := index[r.ChunkID]; dup {
			continue
		}
		index[r.ChunkID] = len(ids)
		ids = append(ids, r.ChunkID)
		vectors = append(vectors, normalized(r.Vector)...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		slog.Info("vector cache cleared during load, discarding", "user_id", userID)
		return nil
	}
	c.user = userID
	c.loaded = true
	c.dim = dim
	c.ids = ids
	c.index = index
	c.vectors = vectors

	slog.Info("vector cache loaded", "user_id", userID, "entries", len(ids), "dimension", dim)
	return nil
}

// Clear empties the cache and returns the new generation.
func (c *Cache) Clear() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.user = uuid.Nil
	c.loaded = false
	c.dim = 0
	c.ids = nil
	c.index = nil
	c.vectors = nil
	return c.gen
}

// Query scores only the candidates present in the cache and returns them
// sorted by descending cosine similarity. Ties keep candidate order.
// Candidates that are not cached are skipped.
func (c *Cache) Query(query []float32, candidates []uuid.UUID) ([]Ranked, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.ids) == 0 || len(candidates) == 0 {
		return nil, nil
	}
	if len(query) != c.dim {
		return nil, joberr.New(joberr.KindDimensionMismatch,
			"query has dimension %d, cache holds %d", len(query), c.dim)
	}

	q := normalized(query)
	out := make([]Ranked, 0, len(candidates))
	seen := make(map[uuid.UUID]struct{}, len(candidates))
	for _, id := range candidates {
		i, ok := c.index[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Ranked{ChunkID: id, Score: dot(c.vectors[i*c.dim:(i+1)*c.dim], q)})
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// UserID returns the loaded user, if any.
func (c *Cache) UserID() (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.loaded
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Missing returns the candidates that are not cached.
func (c *Cache) Missing(candidates []uuid.UUID) []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []uuid.UUID
	for _, id := range candidates {
		if _, ok := c.index[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func normalized(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
