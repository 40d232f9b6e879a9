// Package jobs is the persisted job record store: job rows, their typed
// payload rows, the status state machine and soft-delete bookkeeping.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// ErrClaimLost is returned when a heartbeat or terminal transition targets a
// job that is no longer Processing under the caller's claim attempt, e.g.
// because it was reclaimed and claimed again by another worker.
var ErrClaimLost = errors.New("job claim lost")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Create inserts a Pending job and its payload row in one transaction.
// The caller enqueues the job afterwards.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, payload models.Payload) (*models.Job, error) {
	return s.CreateAs(ctx, uuid.New(), userID, payload)
}

// CreateAs is Create with a caller-chosen id, for jobs whose input files are
// named after the job before the row exists.
func (s *Store) CreateAs(ctx context.Context, id, userID uuid.UUID, payload models.Payload) (*models.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := createTx(ctx, tx, id, userID, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job: %w", err)
	}
	return job, nil
}

// CreateTx is Create inside a caller-owned transaction.
func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, payload models.Payload) (*models.Job, error) {
	return createTx(ctx, tx, uuid.New(), userID, payload)
}

func createTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID, payload models.Payload) (*models.Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, joberr.Wrap(joberr.KindInvalidRequest, err, "invalid payload")
	}

	job := models.Job{
		ID:     id,
		Type:   payload.Type,
		Status: models.JobStatusPending,
		UserID: userID,
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO jobs (id, type, status, user_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		job.ID, job.Type, job.Status, job.UserID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := insertPayload(ctx, tx, job.ID, payload); err != nil {
		return nil, err
	}
	return &job, nil
}

func insertPayload(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, p models.Payload) error {
	var err error
	switch p.Type {
	case models.JobTypeEmbedding:
		e := p.Embedding
		_, err = tx.Exec(ctx,
			`INSERT INTO embedding_payloads (job_id, file_path, file_type, chunk_size, title, author)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			jobID, e.FilePath, e.FileType, e.ChunkSize, e.Title, e.Author)
	case models.JobTypeImage:
		i := p.Image
		_, err = tx.Exec(ctx,
			`INSERT INTO image_payloads (job_id, prompt, model, size, quality, style, count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			jobID, i.Prompt, i.Model, i.Size, i.Quality, i.Style, i.Count)
	case models.JobTypeTTS:
		t := p.TTS
		_, err = tx.Exec(ctx,
			`INSERT INTO tts_payloads (job_id, input, voice, model, format, speed)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			jobID, t.Input, t.Voice, t.Model, t.Format, t.Speed)
	case models.JobTypeTranscription, models.JobTypeTranslation:
		a := p.Audio
		_, err = tx.Exec(ctx,
			`INSERT INTO `+audioTable(p.Type)+` (job_id, file_path, model, prompt, language, response_format)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			jobID, a.FilePath, a.Model, a.Prompt, a.Language, a.ResponseFormat)
	case models.JobTypeDeletion:
		d := p.Deletion
		_, err = tx.Exec(ctx,
			`INSERT INTO deletion_payloads (job_id, entity_type, entity_id) VALUES ($1, $2, $3)`,
			jobID, d.EntityType, d.EntityID)
	default:
		return joberr.New(joberr.KindInvalidRequest, "unknown job type %q", p.Type)
	}
	if err != nil {
		return fmt.Errorf("insert %s payload: %w", p.Type, err)
	}
	return nil
}

func audioTable(t models.JobType) string {
	if t == models.JobTypeTranslation {
		return "translation_payloads"
	}
	return "transcription_payloads"
}

const jobColumns = `id, type, status, user_id, attempts, result, deleted, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.UserID, &j.Attempts, &j.Result, &j.Deleted, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, joberr.New(joberr.KindNotFound, "job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Payload loads the typed payload for job. A missing row is NotFound.
func (s *Store) Payload(ctx context.Context, job *models.Job) (models.Payload, error) {
	var (
		p   models.Payload
		err error
	)
	switch job.Type {
	case models.JobTypeEmbedding:
		var e models.EmbeddingPayload
		err = s.db.QueryRow(ctx,
			`SELECT file_path, file_type, chunk_size, title, author FROM embedding_payloads WHERE job_id = $1`, job.ID,
		).Scan(&e.FilePath, &e.FileType, &e.ChunkSize, &e.Title, &e.Author)
		p = models.NewEmbeddingPayload(e)
	case models.JobTypeImage:
		var i models.ImagePayload
		err = s.db.QueryRow(ctx,
			`SELECT prompt, model, size, quality, style, count FROM image_payloads WHERE job_id = $1`, job.ID,
		).Scan(&i.Prompt, &i.Model, &i.Size, &i.Quality, &i.Style, &i.Count)
		p = models.NewImagePayload(i)
	case models.JobTypeTTS:
		var t models.TTSPayload
		err = s.db.QueryRow(ctx,
			`SELECT input, voice, model, format, speed FROM tts_payloads WHERE job_id = $1`, job.ID,
		).Scan(&t.Input, &t.Voice, &t.Model, &t.Format, &t.Speed)
		p = models.NewTTSPayload(t)
	case models.JobTypeTranscription, models.JobTypeTranslation:
		var a models.AudioPayload
		err = s.db.QueryRow(ctx,
			`SELECT file_path, model, prompt, language, response_format FROM `+audioTable(job.Type)+` WHERE job_id = $1`, job.ID,
		).Scan(&a.FilePath, &a.Model, &a.Prompt, &a.Language, &a.ResponseFormat)
		p = models.Payload{Type: job.Type, Audio: &a}
	case models.JobTypeDeletion:
		var d models.DeletionPayload
		err = s.db.QueryRow(ctx,
			`SELECT entity_type, entity_id FROM deletion_payloads WHERE job_id = $1`, job.ID,
		).Scan(&d.EntityType, &d.EntityID)
		p = models.NewDeletionPayload(d.EntityType, d.EntityID)
	default:
		return models.Payload{}, joberr.New(joberr.KindInvalidRequest, "unknown job type %q", job.Type)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payload{}, joberr.New(joberr.KindNotFound, "%s payload for job %s", job.Type, job.ID)
	}
	if err != nil {
		return models.Payload{}, fmt.Errorf("load %s payload: %w", job.Type, err)
	}
	return p, nil
}

// Claim moves a Pending job to Processing. It returns false when another
// worker got there first or the job is no longer Pending.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (*models.Job, bool, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND NOT deleted
		 RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Heartbeat marks a Processing job as alive. attempt is the claim attempt
// the caller holds.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, attempt int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET updated_at = now()
		 WHERE id = $1 AND status = 'processing' AND attempts = $2`, id, attempt)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat job %s attempt %d: %w", id, attempt, ErrClaimLost)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id uuid.UUID, attempt int, result string) error {
	return s.finish(ctx, id, attempt, models.JobStatusCompleted, result)
}

func (s *Store) Fail(ctx context.Context, id uuid.UUID, attempt int, result string) error {
	return s.finish(ctx, id, attempt, models.JobStatusFailed, result)
}

func (s *Store) finish(ctx context.Context, id uuid.UUID, attempt int, status models.JobStatus, result string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = $3, result = $4, updated_at = now()
		 WHERE id = $1 AND attempts = $2 AND status = 'processing'`,
		id, attempt, status, result)
	if err != nil {
		return fmt.Errorf("set job %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set job %s %s at attempt %d: %w", id, status, attempt, ErrClaimLost)
	}
	return nil
}

// Reclaimed lists the jobs touched by a reclaim pass.
type Reclaimed struct {
	Reset  []models.Job
	Failed []models.Job
}

// ReclaimStale handles Processing jobs whose heartbeat is older than cutoff.
// Jobs that already used maxAttempts claims are failed; the rest go back to
// Pending for re-enqueueing.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, maxAttempts int) (Reclaimed, error) {
	var out Reclaimed

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out.Failed, err = collectJobs(tx.Query(ctx,
		`UPDATE jobs SET status = 'failed', result = $3, updated_at = now()
		 WHERE status = 'processing' AND updated_at < $1 AND attempts >= $2
		 RETURNING `+jobColumns,
		cutoff, maxAttempts, joberr.Message(joberr.New(joberr.KindTimeout, "worker stopped responding"))))
	if err != nil {
		return out, fmt.Errorf("fail stale jobs: %w", err)
	}

	out.Reset, err = collectJobs(tx.Query(ctx,
		`UPDATE jobs SET status = 'pending', updated_at = now()
		 WHERE status = 'processing' AND updated_at < $1
		 RETURNING `+jobColumns,
		cutoff))
	if err != nil {
		return out, fmt.Errorf("reset stale jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Reclaimed{}, fmt.Errorf("commit reclaim: %w", err)
	}
	return out, nil
}

// ListPending returns Pending jobs not touched since olderThan, oldest first.
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	jobs, err := collectJobs(s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND NOT deleted AND updated_at < $1
		 ORDER BY created_at LIMIT $2`,
		olderThan, limit))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return jobs, nil
}

// RetryFailed creates a fresh Pending job with the payload of a Failed one.
// The failed job keeps its terminal state.
func (s *Store) RetryFailed(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Deleted {
		return nil, joberr.New(joberr.KindNotFound, "job %s", id)
	}
	if job.Status != models.JobStatusFailed {
		return nil, joberr.New(joberr.KindInvalidRequest, "job %s is %s, not failed", id, job.Status)
	}
	payload, err := s.Payload(ctx, job)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, job.UserID, payload)
}

// ListExpiredAudioJobs returns finished, undeleted audio jobs last updated
// before the given time.
func (s *Store) ListExpiredAudioJobs(ctx context.Context, before time.Time) ([]models.Job, error) {
	jobs, err := collectJobs(s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE type = ANY($1) AND status IN ('completed', 'failed') AND NOT deleted AND updated_at < $2
		 ORDER BY updated_at`,
		audioJobTypes(), before))
	if err != nil {
		return nil, fmt.Errorf("list expired audio jobs: %w", err)
	}
	return jobs, nil
}

// StatusCounts returns the number of live jobs per status.
func (s *Store) StatusCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM jobs WHERE NOT deleted GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int)
	for rows.Next() {
		var (
			status models.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ActiveAPIKey returns the user's active provider key.
func (s *Store) ActiveAPIKey(ctx context.Context, userID uuid.UUID) (*models.APIKey, error) {
	var k models.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, provider, key, active, created_at FROM api_keys
		 WHERE user_id = $1 AND active AND NOT deleted
		 ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&k.ID, &k.UserID, &k.Provider, &k.Key, &k.Active, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, joberr.New(joberr.KindNotFound, "no active api key for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

func collectJobs(rows pgx.Rows, err error) ([]models.Job, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func audioJobTypes() []string {
	return []string{string(models.JobTypeTTS), string(models.JobTypeTranscription), string(models.JobTypeTranslation)}
}

// UserActive reports whether id names a user that is not soft-deleted.
func (s *Store) UserActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND NOT deleted)`, id,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return ok, nil
}
