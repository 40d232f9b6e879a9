package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// Files is the artifact storage the handlers read and write.
type Files interface {
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Upload(ctx context.Context, entity models.EntityType, name string, data io.Reader) (string, error)
	RemoveMatching(entity models.EntityType, id uuid.UUID) (int, error)
	RemoveTemp(id uuid.UUID) (int, error)
}

func readArtifact(ctx context.Context, files Files, path string) ([]byte, error) {
	rc, err := files.Download(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, joberr.Wrap(joberr.KindNotFound, err, "source file")
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return data, nil
}

// cleanupContext outlives a cancelled or expired job context so rollback
// can still reach the store.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func summary(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode job result", "error", err)
		return ""
	}
	return string(data)
}
