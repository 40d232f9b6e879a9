// Package workers claims persisted jobs and runs the handler for each job
// type.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/metrics"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/queue"
)

// JobStore is the slice of the job record store the dispatcher drives.
type JobStore interface {
	Claim(ctx context.Context, id uuid.UUID) (*models.Job, bool, error)
	Payload(ctx context.Context, job *models.Job) (models.Payload, error)
	Heartbeat(ctx context.Context, id uuid.UUID, attempt int) error
	Complete(ctx context.Context, id uuid.UUID, attempt int, result string) error
	Fail(ctx context.Context, id uuid.UUID, attempt int, result string) error
}

// Resolver returns the provider client for a user.
type Resolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (llm.Capability, error)
}

type Notifier interface {
	Notify(userID uuid.UUID, ev models.Event)
}

// Handler runs one job type. The returned string is the job's result
// summary. A handler undoes its own partial writes before returning an
// error.
type Handler interface {
	Handle(ctx context.Context, run *Run) (string, error)
}

// Run is the context a handler executes in.
type Run struct {
	Job     *models.Job
	Payload models.Payload
	// Client is nil for deletion jobs.
	Client llm.Capability

	notify func(msg string)
	undo   []func(ctx context.Context) error
}

// OnClaimLost registers fn to revert writes the handler committed. It runs
// when the job was reclaimed by another worker before this run could record
// its outcome.
func (r *Run) OnClaimLost(fn func(ctx context.Context) error) {
	r.undo = append(r.undo, fn)
}

// Progress emits a best-effort progress event.
func (r *Run) Progress(format string, args ...any) {
	if r.notify != nil {
		r.notify(fmt.Sprintf(format, args...))
	}
}

type Dispatcher struct {
	store     JobStore
	resolver  Resolver
	notifier  Notifier
	budgets   queue.Budgets
	heartbeat time.Duration
	metrics   *metrics.Metrics
	handlers  map[models.JobType]Handler
}

func NewDispatcher(store JobStore, resolver Resolver, notifier Notifier, budgets queue.Budgets, heartbeat time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     store,
		resolver:  resolver,
		notifier:  notifier,
		budgets:   budgets,
		heartbeat: heartbeat,
		handlers:  make(map[models.JobType]Handler),
	}
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Handle registers h for jobs of type t.
func (d *Dispatcher) Handle(t models.JobType, h Handler) {
	d.handlers[t] = h
}

// ProcessTask decodes a job reference and runs the job. Job outcomes live in
// the job row, so only an undecodable task is reported back to asynq.
func (d *Dispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.JobRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("parse job ID: %w: %w", err, asynq.SkipRetry)
	}

	d.Run(ctx, jobID)
	return nil
}

// Run claims jobID and drives it to a terminal state. A job another worker
// already claimed is skipped.
func (d *Dispatcher) Run(ctx context.Context, jobID uuid.UUID) {
	job, ok, err := d.store.Claim(ctx, jobID)
	if err != nil {
		slog.Error("failed to claim job", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		slog.Info("job not claimable, skipping", "job_id", jobID)
		return
	}

	slog.Info("processing job", "job_id", job.ID, "type", job.Type, "user_id", job.UserID, "attempt", job.Attempts)
	start := time.Now()

	run := &Run{Job: job}
	result, runErr := d.execute(ctx, run)

	// the terminal write must land even if the task context is gone
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	ev := models.Event{JobID: job.ID, JobType: job.Type}
	if runErr == nil {
		err = d.store.Complete(pctx, job.ID, job.Attempts, result)
		ev.Name, ev.Status, ev.Result = models.EventJobCompleted, models.JobStatusCompleted, result
	} else {
		ev.Result = joberr.Message(runErr)
		err = d.store.Fail(pctx, job.ID, job.Attempts, ev.Result)
		ev.Name, ev.Status = models.EventJobFailed, models.JobStatusFailed
	}
	if errors.Is(err, jobs.ErrClaimLost) {
		slog.Warn("job claim lost, discarding outcome", "job_id", job.ID, "attempt", job.Attempts)
		d.undo(pctx, run)
		return
	}
	if err != nil {
		slog.Error("failed to record job outcome", "job_id", job.ID, "status", ev.Status, "error", err)
		return
	}

	if runErr == nil {
		slog.Info("job completed", "job_id", job.ID, "type", job.Type, "elapsed", time.Since(start))
	} else {
		slog.Warn("job failed", "job_id", job.ID, "type", job.Type, "kind", joberr.KindOf(runErr), "error", runErr)
	}
	d.notifier.Notify(job.UserID, ev)
	if d.metrics != nil {
		d.metrics.ObserveJob(string(job.Type), string(ev.Status), time.Since(start))
	}
}

// undo reverts what a run committed after another worker took its claim.
func (d *Dispatcher) undo(ctx context.Context, run *Run) {
	for i := len(run.undo) - 1; i >= 0; i-- {
		if err := run.undo[i](ctx); err != nil {
			slog.Error("failed to revert job writes", "job_id", run.Job.ID, "attempt", run.Job.Attempts, "error", err)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, run *Run) (result string, err error) {
	job := run.Job
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = "", joberr.New(joberr.KindInternal, "handler panic: %v", r)
		}
	}()

	h, ok := d.handlers[job.Type]
	if !ok {
		return "", joberr.New(joberr.KindInvalidRequest, "no handler for job type %q", job.Type)
	}

	run.Payload, err = d.store.Payload(ctx, job)
	if err != nil {
		return "", err
	}
	if err := run.Payload.Validate(); err != nil {
		return "", joberr.Wrap(joberr.KindInvalidRequest, err, "invalid payload")
	}

	if job.Type != models.JobTypeDeletion {
		if run.Client, err = d.resolver.Resolve(ctx, job.UserID); err != nil {
			return "", err
		}
	}
	run.notify = func(msg string) {
		d.notifier.Notify(job.UserID, models.Event{
			Name:    models.EventJobProgress,
			JobID:   job.ID,
			JobType: job.Type,
			Status:  models.JobStatusProcessing,
			Message: msg,
		})
	}

	budget := d.budgets.For(job.Type)
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	hctx, abandon := context.WithCancelCause(tctx)
	defer abandon(nil)

	stop := d.startHeartbeat(hctx, job, abandon)
	defer stop()

	result, err = h.Handle(hctx, run)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && joberr.KindOf(err) != joberr.KindTimeout {
		err = joberr.Wrap(joberr.KindTimeout, err, fmt.Sprintf("exceeded %s budget", budget))
	}
	return result, err
}

// startHeartbeat touches the job row until the returned stop is called. When
// the row reports the claim lost, the handler context is cancelled with
// jobs.ErrClaimLost as its cause.
func (d *Dispatcher) startHeartbeat(ctx context.Context, job *models.Job, abandon context.CancelCauseFunc) (stop func()) {
	if d.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := d.store.Heartbeat(ctx, job.ID, job.Attempts)
				if errors.Is(err, jobs.ErrClaimLost) {
					slog.Warn("job claim lost, stopping handler", "job_id", job.ID, "attempt", job.Attempts)
					abandon(jobs.ErrClaimLost)
					return
				}
				if err != nil && ctx.Err() == nil {
					slog.Warn("job heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
