package models

import (
	"time"

	"github.com/google/uuid"
)

type GeneratedImage struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	JobID     *uuid.UUID `json:"job_id,omitempty" db:"job_id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	Prompt    string     `json:"prompt" db:"prompt"`
	FilePath  string     `json:"file_path" db:"file_path"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
