package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	reclaimed   jobs.Reclaimed
	pending     []models.Job
	expired     []models.Job
	missing     map[uuid.UUID]bool
	cutoff      time.Time
	maxAttempts int
	limit       int
	marked      []uuid.UUID

	uploads      []string
	retried      map[string]bool
	forgot       []string
	uploadCutoff time.Time

	redrive       []*models.Job
	redriveCutoff time.Time
	maxTries      int
}

func (f *fakeStore) ReclaimStale(_ context.Context, cutoff time.Time, maxAttempts int) (jobs.Reclaimed, error) {
	f.cutoff = cutoff
	f.maxAttempts = maxAttempts
	return f.reclaimed, nil
}

func (f *fakeStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	f.cutoff = olderThan
	f.limit = limit
	return f.pending, nil
}

func (f *fakeStore) ListExpiredAudioJobs(_ context.Context, before time.Time) ([]models.Job, error) {
	f.cutoff = before
	return f.expired, nil
}

func (f *fakeStore) MarkDeleted(_ context.Context, entity models.EntityType, id, userID uuid.UUID) (*models.Job, error) {
	if f.missing[id] {
		return nil, joberr.New(joberr.KindNotFound, "audio_job %s", id)
	}
	f.marked = append(f.marked, id)
	return &models.Job{ID: uuid.New(), Type: models.JobTypeDeletion, Status: models.JobStatusPending, UserID: userID}, nil
}

func (f *fakeStore) RedriveDeletions(_ context.Context, before time.Time, maxTries, limit int) ([]*models.Job, error) {
	f.redriveCutoff = before
	f.maxTries = maxTries
	f.limit = limit
	return f.redrive, nil
}

func (f *fakeStore) ListAbandonedUploads(_ context.Context, before time.Time, limit int) ([]string, error) {
	f.uploadCutoff = before
	f.limit = limit
	return f.uploads, nil
}

func (f *fakeStore) ForgetUpload(_ context.Context, path string) (bool, error) {
	if f.retried[path] {
		return false, nil
	}
	f.forgot = append(f.forgot, path)
	return true, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.Job
	fail bool
}

func (q *recordingQueue) EnqueueJob(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("redis down")
	}
	q.jobs = append(q.jobs, *job)
	return nil
}

type recordingNotifier struct {
	events []models.Event
}

func (n *recordingNotifier) Notify(_ uuid.UUID, ev models.Event) {
	n.events = append(n.events, ev)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(t *testing.T, store *fakeStore, queue *recordingQueue, notifier *recordingNotifier) (*Sweeper, *storage.Local) {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	s := NewSweeper(store, queue, files, notifier, Config{
		TempTTL:      time.Hour,
		AudioJobTTL:  24 * time.Hour,
		StaleAfter:   5 * time.Minute,
		MaxAttempts:  3,
		RequeueAfter: 2 * time.Minute,
		RequeueBatch: 10,

		FailedUploadTTL:    7 * 24 * time.Hour,
		DeletionRetries:    5,
		DeletionRetryAfter: 10 * time.Minute,
	})
	s.now = func() time.Time { return fixedNow }
	return s, files
}

func TestSweepRemovesOldTempFilesOnly(t *testing.T) {
	s, files := newSweeper(t, &fakeStore{}, &recordingQueue{}, &recordingNotifier{})

	old := filepath.Join(files.TempDir(), "old.seg")
	fresh := filepath.Join(files.TempDir(), "fresh.seg")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(old, fixedNow.Add(-2*time.Hour), fixedNow.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(fresh, fixedNow.Add(-time.Minute), fixedNow.Add(-time.Minute)))

	require.NoError(t, s.Sweep(context.Background()))

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestSweepSchedulesExpiredAudioJobDeletion(t *testing.T) {
	gone := uuid.New()
	keep := uuid.New()
	store := &fakeStore{
		expired: []models.Job{
			{ID: keep, Type: models.JobTypeTTS, Status: models.JobStatusCompleted, UserID: uuid.New()},
			{ID: gone, Type: models.JobTypeTranscription, Status: models.JobStatusFailed, UserID: uuid.New()},
		},
		missing: map[uuid.UUID]bool{gone: true},
	}
	queue := &recordingQueue{}
	s, _ := newSweeper(t, store, queue, &recordingNotifier{})

	require.NoError(t, s.Sweep(context.Background()))

	assert.Equal(t, fixedNow.Add(-24*time.Hour), store.cutoff)
	assert.Equal(t, []uuid.UUID{keep}, store.marked)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, models.JobTypeDeletion, queue.jobs[0].Type)
}

func TestReclaimEnqueuesResetAndNotifiesFailed(t *testing.T) {
	reset := models.Job{ID: uuid.New(), Type: models.JobTypeEmbedding, Status: models.JobStatusPending, Attempts: 1}
	failed := models.Job{ID: uuid.New(), Type: models.JobTypeImage, Status: models.JobStatusFailed, Attempts: 3,
		UserID: uuid.New(), Result: "timeout: worker stopped responding"}
	store := &fakeStore{reclaimed: jobs.Reclaimed{Reset: []models.Job{reset}, Failed: []models.Job{failed}}}
	queue := &recordingQueue{}
	notifier := &recordingNotifier{}
	s, _ := newSweeper(t, store, queue, notifier)

	require.NoError(t, s.Reclaim(context.Background()))

	assert.Equal(t, fixedNow.Add(-5*time.Minute), store.cutoff)
	assert.Equal(t, 3, store.maxAttempts)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, reset.ID, queue.jobs[0].ID)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.EventJobFailed, notifier.events[0].Name)
	assert.Equal(t, failed.UserID, notifier.events[0].UserID)
	assert.Equal(t, failed.Result, notifier.events[0].Result)
}

func TestRequeue(t *testing.T) {
	store := &fakeStore{pending: []models.Job{
		{ID: uuid.New(), Type: models.JobTypeTTS, Status: models.JobStatusPending},
		{ID: uuid.New(), Type: models.JobTypeDeletion, Status: models.JobStatusPending},
	}}
	queue := &recordingQueue{}
	s, _ := newSweeper(t, store, queue, &recordingNotifier{})

	require.NoError(t, s.Requeue(context.Background()))
	assert.Equal(t, 10, store.limit)
	assert.Equal(t, fixedNow.Add(-2*time.Minute), store.cutoff)
	assert.Len(t, queue.jobs, 2)

	queue.fail = true
	assert.Error(t, s.Requeue(context.Background()))
}

func upload(t *testing.T, files *storage.Local, name string) string {
	t.Helper()
	path, err := files.Upload(context.Background(), models.EntityDocument, name, strings.NewReader("body"))
	require.NoError(t, err)
	return path
}

func TestSweepRemovesAbandonedUploads(t *testing.T) {
	store := &fakeStore{}
	s, files := newSweeper(t, store, &recordingQueue{}, &recordingNotifier{})

	abandoned := upload(t, files, uuid.NewString()+"-report.pdf")
	retried := upload(t, files, uuid.NewString()+"-notes.txt")
	ingested := upload(t, files, uuid.NewString()+"-kept.txt")
	store.uploads = []string{abandoned, retried, filepath.Join(files.Dir(models.EntityDocument), "legacy.txt")}
	store.retried = map[string]bool{retried: true}

	require.NoError(t, s.Sweep(context.Background()))

	assert.Equal(t, fixedNow.Add(-7*24*time.Hour), store.uploadCutoff)
	assert.Equal(t, []string{abandoned}, store.forgot)
	assert.NoFileExists(t, abandoned)
	assert.FileExists(t, retried)
	assert.FileExists(t, ingested)
}

func TestRedriveDeletionsEnqueuesFreshJobs(t *testing.T) {
	redo := &models.Job{ID: uuid.New(), Type: models.JobTypeDeletion, Status: models.JobStatusPending, UserID: uuid.New()}
	store := &fakeStore{redrive: []*models.Job{redo}}
	queue := &recordingQueue{}
	s, _ := newSweeper(t, store, queue, &recordingNotifier{})

	require.NoError(t, s.RedriveDeletions(context.Background()))

	assert.Equal(t, fixedNow.Add(-10*time.Minute), store.redriveCutoff)
	assert.Equal(t, 5, store.maxTries)
	assert.Equal(t, 10, store.limit)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, redo.ID, queue.jobs[0].ID)

	queue.fail = true
	assert.Error(t, s.RedriveDeletions(context.Background()))
}

func TestRedriveDeletionsDisabled(t *testing.T) {
	store := &fakeStore{redrive: []*models.Job{{ID: uuid.New()}}}
	queue := &recordingQueue{}
	s, _ := newSweeper(t, store, queue, &recordingNotifier{})
	s.cfg.DeletionRetries = 0

	require.NoError(t, s.RedriveDeletions(context.Background()))
	assert.Empty(t, queue.jobs)
	assert.Zero(t, store.maxTries)
}
