package queue

import (
	"time"

	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// TypeJobRun carries a reference to a persisted job. The job row, not the
// task, is the source of truth for type and payload.
const TypeJobRun = "job:run"

type JobRunPayload struct {
	JobID string `json:"job_id"`
}

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues is the asynq priority weighting.
func Queues() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}

// QueueFor routes short interactive work ahead of long ingestion and
// housekeeping.
func QueueFor(t models.JobType) string {
	switch t {
	case models.JobTypeImage, models.JobTypeTTS:
		return QueueCritical
	case models.JobTypeDeletion:
		return QueueLow
	default:
		return QueueDefault
	}
}

// Budgets maps each job type to its handler time limit.
type Budgets map[models.JobType]time.Duration

func NewBudgets(cfg config.JobsConfig) Budgets {
	return Budgets{
		models.JobTypeEmbedding:     cfg.EmbeddingTimeout,
		models.JobTypeImage:         cfg.ImageTimeout,
		models.JobTypeTTS:           cfg.TTSTimeout,
		models.JobTypeTranscription: cfg.AudioTimeout,
		models.JobTypeTranslation:   cfg.AudioTimeout,
		models.JobTypeDeletion:      cfg.DeletionTimeout,
	}
}

// For returns the budget for t, or ten minutes for an unknown type.
func (b Budgets) For(t models.JobType) time.Duration {
	if d, ok := b[t]; ok && d > 0 {
		return d
	}
	return 10 * time.Minute
}
