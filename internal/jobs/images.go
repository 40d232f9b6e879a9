package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

func (s *Store) InsertGeneratedImage(ctx context.Context, img models.GeneratedImage) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO generated_images (id, job_id, user_id, prompt, file_path) VALUES ($1, $2, $3, $4, $5)`,
		img.ID, img.JobID, img.UserID, img.Prompt, img.FilePath)
	if err != nil {
		return fmt.Errorf("insert generated image: %w", err)
	}
	return nil
}

// DeleteImages removes generated image rows by id.
func (s *Store) DeleteImages(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM generated_images WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete images: %w", err)
	}
	return nil
}
