package models

import "github.com/google/uuid"

const (
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event is a user-scoped notification about a job.
type Event struct {
	Name    string    `json:"event"`
	JobID   uuid.UUID `json:"job_id"`
	UserID  uuid.UUID `json:"user_id"`
	JobType JobType   `json:"job_type,omitempty"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  string    `json:"result,omitempty"`
}
