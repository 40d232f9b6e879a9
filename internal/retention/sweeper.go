// Package retention runs the periodic housekeeping that keeps the job table
// and artifact directories bounded. It reclaims stale jobs, requeues lost
// tasks, re-drives failed deletions and expires temporary, audio and
// abandoned upload files.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/metrics"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

type Store interface {
	ReclaimStale(ctx context.Context, cutoff time.Time, maxAttempts int) (jobs.Reclaimed, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
	ListExpiredAudioJobs(ctx context.Context, before time.Time) ([]models.Job, error)
	MarkDeleted(ctx context.Context, entity models.EntityType, id, userID uuid.UUID) (*models.Job, error)
	RedriveDeletions(ctx context.Context, before time.Time, maxTries, limit int) ([]*models.Job, error)
	ListAbandonedUploads(ctx context.Context, before time.Time, limit int) ([]string, error)
	ForgetUpload(ctx context.Context, path string) (bool, error)
}

type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
}

type Files interface {
	PurgeTemp(age time.Duration, now time.Time) (int, error)
	RemoveMatching(entity models.EntityType, id uuid.UUID) (int, error)
}

type Notifier interface {
	Notify(userID uuid.UUID, ev models.Event)
}

type Config struct {
	TempTTL      time.Duration
	AudioJobTTL  time.Duration
	StaleAfter   time.Duration
	MaxAttempts  int
	RequeueAfter time.Duration
	RequeueBatch int

	// FailedUploadTTL is how long the file of an upload whose embedding
	// failed is kept for a retry.
	FailedUploadTTL time.Duration

	// DeletionRetries caps the failed deletion jobs per entity.
	DeletionRetries    int
	DeletionRetryAfter time.Duration
}

type Sweeper struct {
	store    Store
	queue    Enqueuer
	files    Files
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewSweeper(store Store, queue Enqueuer, files Files, notifier Notifier, cfg Config) *Sweeper {
	if cfg.RequeueBatch <= 0 {
		cfg.RequeueBatch = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Sweeper{store: store, queue: queue, files: files, notifier: notifier, cfg: cfg, now: time.Now}
}

func (s *Sweeper) WithMetrics(m *metrics.Metrics) *Sweeper {
	s.metrics = m
	return s
}

// Sweep removes expired scratch files, schedules deletion of audio jobs past
// their retention period and removes the files of abandoned uploads.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()
	var errs []error

	removed, err := s.files.PurgeTemp(s.cfg.TempTTL, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge temp files: %w", err))
	}

	if s.cfg.AudioJobTTL > 0 {
		expired, err := s.store.ListExpiredAudioJobs(ctx, now.Add(-s.cfg.AudioJobTTL))
		if err != nil {
			errs = append(errs, err)
		}
		for _, job := range expired {
			deletion, err := s.store.MarkDeleted(ctx, models.EntityAudioJob, job.ID, job.UserID)
			if errors.Is(err, joberr.ErrNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("expire audio job %s: %w", job.ID, err))
				continue
			}
			if err := s.queue.EnqueueJob(ctx, deletion); err != nil {
				errs = append(errs, err)
			}
		}
		if len(expired) > 0 {
			slog.Info("expired audio jobs", "count", len(expired))
		}
	}

	if s.cfg.FailedUploadTTL > 0 {
		n, err := s.sweepUploads(ctx, now.Add(-s.cfg.FailedUploadTTL))
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s.metrics != nil {
		s.metrics.FilesPurged.Add(float64(removed))
	}
	return errors.Join(errs...)
}

func (s *Sweeper) sweepUploads(ctx context.Context, before time.Time) (int, error) {
	paths, err := s.store.ListAbandonedUploads(ctx, before, s.cfg.RequeueBatch)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, path := range paths {
		key, ok := jobs.UploadKey(path)
		if !ok {
			slog.Warn("upload file not named after a job, skipping", "path", path)
			continue
		}
		forgot, err := s.store.ForgetUpload(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !forgot {
			continue
		}
		n, err := s.files.RemoveMatching(models.EntityDocument, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove upload %s: %w", key, err))
		}
		removed += n
	}
	if removed > 0 {
		slog.Info("removed abandoned uploads", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// RedriveDeletions re-runs deletions whose last job failed, so soft-deleted
// entities do not keep their rows and files forever.
func (s *Sweeper) RedriveDeletions(ctx context.Context) error {
	if s.cfg.DeletionRetries <= 0 {
		return nil
	}
	redriven, err := s.store.RedriveDeletions(ctx, s.now().Add(-s.cfg.DeletionRetryAfter), s.cfg.DeletionRetries, s.cfg.RequeueBatch)
	if err != nil {
		return err
	}

	var errs []error
	for _, job := range redriven {
		if err := s.queue.EnqueueJob(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	if len(redriven) > 0 {
		slog.Warn("re-drove failed deletions", "count", len(redriven))
	}
	return errors.Join(errs...)
}

// Reclaim resets jobs whose worker stopped heartbeating, or fails them once
// they have used every attempt.
func (s *Sweeper) Reclaim(ctx context.Context) error {
	r, err := s.store.ReclaimStale(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	var errs []error
	for i := range r.Reset {
		if err := s.queue.EnqueueJob(ctx, &r.Reset[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, job := range r.Failed {
		s.notifier.Notify(job.UserID, models.Event{
			Name:    models.EventJobFailed,
			UserID:  job.UserID,
			JobID:   job.ID,
			JobType: job.Type,
			Status:  models.JobStatusFailed,
			Result:  job.Result,
		})
	}

	if len(r.Reset)+len(r.Failed) > 0 {
		slog.Warn("reclaimed stale jobs", "reset", len(r.Reset), "failed", len(r.Failed))
	}
	if s.metrics != nil {
		s.metrics.JobsReclaimed.WithLabelValues("reset").Add(float64(len(r.Reset)))
		s.metrics.JobsReclaimed.WithLabelValues("failed").Add(float64(len(r.Failed)))
	}
	return errors.Join(errs...)
}

// Requeue re-enqueues Pending jobs that sat untouched past the grace period,
// e.g. because the enqueue after creation was lost.
func (s *Sweeper) Requeue(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx, s.now().Add(-s.cfg.RequeueAfter), s.cfg.RequeueBatch)
	if err != nil {
		return err
	}

	var errs []error
	for i := range pending {
		if err := s.queue.EnqueueJob(ctx, &pending[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metrics != nil {
		s.metrics.JobsRequeued.Add(float64(len(pending) - len(errs)))
	}
	return errors.Join(errs...)
}
