package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a user's credential for the external model provider.
type APIKey struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Provider  string    `json:"provider" db:"provider"`
	Key       string    `json:"-" db:"key"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
