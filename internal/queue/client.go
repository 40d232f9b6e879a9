package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// persistGrace is added to the asynq deadline so a handler that hits its own
// budget still has time to record the failure.
const persistGrace = time.Minute

type Client struct {
	client  *asynq.Client
	budgets Budgets
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig, budgets Budgets) *Client {
	return &Client{
		client:  asynq.NewClient(RedisOpt(cfg)),
		budgets: budgets,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueJob schedules a persisted job. Enqueueing the same claim attempt
// twice is a no-op.
func (c *Client) EnqueueJob(ctx context.Context, job *models.Job) error {
	err := c.enqueue(ctx, TypeJobRun, JobRunPayload{JobID: job.ID.String()},
		asynq.TaskID(TaskID(job)),
		asynq.Queue(QueueFor(job.Type)),
		asynq.MaxRetry(0),
		asynq.Timeout(c.budgets.For(job.Type)+persistGrace),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Debug("job already enqueued", "job_id", job.ID, "attempts", job.Attempts)
		return nil
	}
	return err
}

// TaskID keys a task by job and claim count, so a job reset to Pending after
// a crash can be enqueued again while its first task is still archived.
func TaskID(job *models.Job) string {
	return fmt.Sprintf("%s-%d", job.ID, job.Attempts)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
