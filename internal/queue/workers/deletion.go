package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

type DeletionStore interface {
	Artifacts(ctx context.Context, entity models.EntityType, id uuid.UUID) ([]jobs.Artifact, error)
	Purge(ctx context.Context, entity models.EntityType, id uuid.UUID) (uuid.UUID, bool, error)
}

// CacheEvicter drops a user's cached vectors if they are loaded.
type CacheEvicter interface {
	Evict(ctx context.Context, userID uuid.UUID) error
}

// KeyForgetter drops a cached provider client.
type KeyForgetter interface {
	Forget(keyID uuid.UUID)
}

// DeletionHandler removes an entity's files and rows. Running it again for
// an entity that is already gone succeeds without doing anything.
type DeletionHandler struct {
	store  DeletionStore
	files  Files
	cache  CacheEvicter
	forget KeyForgetter
}

func NewDeletionHandler(store DeletionStore, files Files, cache CacheEvicter, forget KeyForgetter) *DeletionHandler {
	return &DeletionHandler{store: store, files: files, cache: cache, forget: forget}
}

func (h *DeletionHandler) Handle(ctx context.Context, run *Run) (string, error) {
	d := run.Payload.Deletion

	artifacts, err := h.store.Artifacts(ctx, d.EntityType, d.EntityID)
	if err != nil {
		return "", err
	}
	files := 0
	for _, a := range artifacts {
		n, err := h.files.RemoveMatching(a.Entity, a.ID)
		if err != nil {
			return "", fmt.Errorf("remove %s files: %w", a.Entity, err)
		}
		files += n
		if a.Entity == models.EntityAudioJob {
			if _, err := h.files.RemoveTemp(a.ID); err != nil {
				return "", fmt.Errorf("remove temp files: %w", err)
			}
		}
	}

	owner, found, err := h.store.Purge(ctx, d.EntityType, d.EntityID)
	if err != nil {
		return "", err
	}
	if !found {
		slog.Info("entity already removed", "entity_type", d.EntityType, "entity_id", d.EntityID)
	}

	if found {
		switch d.EntityType {
		case models.EntityDocument, models.EntityUser:
			if h.cache != nil {
				if err := h.cache.Evict(ctx, owner); err != nil {
					slog.Warn("failed to refresh vector cache after deletion", "user_id", owner, "error", err)
				}
			}
		case models.EntityAPIKey:
			if h.forget != nil {
				h.forget.Forget(d.EntityID)
			}
		}
	}

	return summary(map[string]any{
		"entity_type":   d.EntityType,
		"entity_id":     d.EntityID,
		"files_removed": files,
		"row_removed":   found,
	}), nil
}
