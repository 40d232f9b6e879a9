// Package storage keeps job artifacts on local disk, one directory per
// entity type plus a scratch directory for temporary files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

const tempDirName = "tmp"

// Storage is the artifact store the workers and the API write through.
type Storage interface {
	Upload(ctx context.Context, entity models.EntityType, name string, data io.Reader) (string, error)
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	RemoveMatching(entity models.EntityType, id uuid.UUID) (int, error)
	Dir(entity models.EntityType) string
	TempDir() string
}

type Local struct {
	root string
}

// NewLocal creates root and its per-entity directories.
func NewLocal(root string) (*Local, error) {
	l := &Local{root: root}
	dirs := []string{l.TempDir()}
	for _, e := range models.EntityTypes() {
		dirs = append(dirs, l.Dir(e))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return l, nil
}

func (l *Local) Dir(entity models.EntityType) string {
	return filepath.Join(l.root, string(entity))
}

func (l *Local) TempDir() string {
	return filepath.Join(l.root, tempDirName)
}

// Upload writes data under the entity's directory and returns its path. The
// file appears under its final name only once fully written.
func (l *Local) Upload(ctx context.Context, entity models.EntityType, name string, data io.Reader) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	dir := l.Dir(entity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: data}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return path, nil
}

func (l *Local) Download(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// RemoveMatching deletes every file in the entity's directory whose name
// contains id. Files that vanish concurrently are not an error.
func (l *Local) RemoveMatching(entity models.EntityType, id uuid.UUID) (int, error) {
	return removeMatching(l.Dir(entity), id.String())
}

// RemoveTemp deletes scratch files whose name contains id.
func (l *Local) RemoveTemp(id uuid.UUID) (int, error) {
	return removeMatching(l.TempDir(), id.String())
}

func removeMatching(dir, needle string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), needle) {
			continue
		}
		err := os.Remove(filepath.Join(dir, e.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		if err == nil {
			removed++
		}
	}
	return removed, nil
}

// PurgeTemp deletes scratch files last modified more than age before now.
func (l *Local) PurgeTemp(age time.Duration, now time.Time) (int, error) {
	return PurgeOlderThan(l.TempDir(), age, now)
}

// PurgeOlderThan deletes regular files in dir last modified more than age
// before now.
func PurgeOlderThan(dir string, age time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dir, err)
	}

	cutoff := now.Add(-age)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		err = os.Remove(filepath.Join(dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		slog.Info("purged stale files", "dir", dir, "removed", removed)
	}
	return removed, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
