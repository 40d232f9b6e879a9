package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// CredentialSource looks up a user's active provider key. It returns an
// error of kind not_found when the user has none.
type CredentialSource interface {
	ActiveAPIKey(ctx context.Context, userID uuid.UUID) (*models.APIKey, error)
}

// Factory builds a Capability for an API key.
type Factory func(apiKey string) Capability

// Resolver hands out per-user capability clients. Clients are cached by key
// id so a rotated key gets a fresh client.
type Resolver struct {
	source  CredentialSource
	factory Factory
	clients *expirable.LRU[uuid.UUID, Capability]
}

func NewResolver(source CredentialSource, factory Factory, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Resolver{
		source:  source,
		factory: factory,
		clients: expirable.NewLRU[uuid.UUID, Capability](size, nil, ttl),
	}
}

// Resolve returns userID's client or a credential error.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (Capability, error) {
	key, err := r.source.ActiveAPIKey(ctx, userID)
	if err != nil {
		if errors.Is(err, joberr.ErrNotFound) {
			return nil, joberr.New(joberr.KindCredential, "user %s has no active API key", userID)
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if key.Key == "" || !key.Active {
		return nil, joberr.New(joberr.KindCredential, "api key %s is not usable", key.ID)
	}
	if key.Provider != "" && key.Provider != "openai" {
		return nil, joberr.New(joberr.KindCredential, "api key %s is for unsupported provider %q", key.ID, key.Provider)
	}

	if c, ok := r.clients.Get(key.ID); ok {
		return c, nil
	}
	c := r.factory(key.Key)
	r.clients.Add(key.ID, c)
	return c, nil
}

// Forget drops a cached client, e.g. after its key is deleted.
func (r *Resolver) Forget(keyID uuid.UUID) {
	r.clients.Remove(keyID)
}
