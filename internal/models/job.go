package models

import (
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeEmbedding     JobType = "embedding"
	JobTypeImage         JobType = "image"
	JobTypeTTS           JobType = "tts"
	JobTypeTranscription JobType = "transcription"
	JobTypeTranslation   JobType = "translation"
	JobTypeDeletion      JobType = "deletion"
)

var jobTypes = []JobType{
	JobTypeEmbedding,
	JobTypeImage,
	JobTypeTTS,
	JobTypeTranscription,
	JobTypeTranslation,
	JobTypeDeletion,
}

// JobTypes lists every known workload type.
func JobTypes() []JobType {
	out := make([]JobType, len(jobTypes))
	copy(out, jobTypes)
	return out
}

func (t JobType) Valid() bool {
	for _, known := range jobTypes {
		if t == known {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition enforces Pending -> Processing -> {Completed, Failed}.
// Processing -> Pending is the supervisory reclaim path.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusPending
	}
	return false
}

type Job struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Type      JobType   `json:"type" db:"type"`
	Status    JobStatus `json:"status" db:"status"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Attempts  int       `json:"attempts" db:"attempts"`
	Result    string    `json:"result,omitempty" db:"result"`
	Deleted   bool      `json:"-" db:"deleted"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
