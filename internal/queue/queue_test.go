package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueCritical, QueueFor(models.JobTypeImage))
	assert.Equal(t, QueueCritical, QueueFor(models.JobTypeTTS))
	assert.Equal(t, QueueDefault, QueueFor(models.JobTypeEmbedding))
	assert.Equal(t, QueueDefault, QueueFor(models.JobTypeTranscription))
	assert.Equal(t, QueueLow, QueueFor(models.JobTypeDeletion))

	for _, jt := range models.JobTypes() {
		assert.Contains(t, Queues(), QueueFor(jt))
	}
}

func TestBudgets(t *testing.T) {
	b := NewBudgets(config.JobsConfig{
		EmbeddingTimeout: time.Minute,
		AudioTimeout:     time.Hour,
	})
	assert.Equal(t, time.Minute, b.For(models.JobTypeEmbedding))
	assert.Equal(t, time.Hour, b.For(models.JobTypeTranslation))
	assert.Equal(t, 10*time.Minute, b.For(models.JobTypeImage))
	assert.Equal(t, 10*time.Minute, b.For("unknown"))
}

func TestTaskIDChangesPerAttempt(t *testing.T) {
	job := &models.Job{ID: uuid.New()}
	first := TaskID(job)
	job.Attempts = 1
	assert.NotEqual(t, first, TaskID(job))
	assert.Contains(t, first, job.ID.String())
}
