package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*models.Job
	payloads   map[uuid.UUID]models.Payload
	heartbeats int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*models.Job), payloads: make(map[uuid.UUID]models.Payload)}
}

func (s *fakeJobStore) add(jobType models.JobType, payload models.Payload) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &models.Job{ID: uuid.New(), Type: jobType, Status: models.JobStatusPending, UserID: uuid.New()}
	s.jobs[job.ID] = job
	s.payloads[job.ID] = payload
	return job
}

func (s *fakeJobStore) get(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeJobStore) Claim(_ context.Context, id uuid.UUID) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusPending {
		return nil, false, nil
	}
	job.Status = models.JobStatusProcessing
	job.Attempts++
	cp := *job
	return &cp, true, nil
}

func (s *fakeJobStore) Payload(_ context.Context, job *models.Job) (models.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloads[job.ID]
	if !ok {
		return models.Payload{}, joberr.New(joberr.KindNotFound, "payload for job %s", job.ID)
	}
	return p, nil
}

// reclaim resets a processing job the way the stale sweep does.
func (s *fakeJobStore) reclaim(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = models.JobStatusPending
}

func (s *fakeJobStore) owned(id uuid.UUID, attempt int) error {
	job := s.jobs[id]
	if job.Status != models.JobStatusProcessing || job.Attempts != attempt {
		return fmt.Errorf("job %s is %s at attempt %d: %w", id, job.Status, job.Attempts, jobs.ErrClaimLost)
	}
	return nil
}

func (s *fakeJobStore) Heartbeat(_ context.Context, id uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.owned(id, attempt)
}

func (s *fakeJobStore) Complete(_ context.Context, id uuid.UUID, attempt int, result string) error {
	return s.finish(id, attempt, models.JobStatusCompleted, result)
}

func (s *fakeJobStore) Fail(_ context.Context, id uuid.UUID, attempt int, result string) error {
	return s.finish(id, attempt, models.JobStatusFailed, result)
}

func (s *fakeJobStore) finish(id uuid.UUID, attempt int, status models.JobStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.owned(id, attempt); err != nil {
		return err
	}
	job := s.jobs[id]
	job.Status = status
	job.Result = result
	return nil
}

type fakeResolver struct {
	client llm.Capability
	err    error
	calls  atomic.Int32
}

func (r *fakeResolver) Resolve(context.Context, uuid.UUID) (llm.Capability, error) {
	r.calls.Add(1)
	return r.client, r.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Notify(userID uuid.UUID, ev models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev.UserID = userID
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		out = append(out, ev.Name)
	}
	return out
}

type handlerFunc func(ctx context.Context, run *Run) (string, error)

func (f handlerFunc) Handle(ctx context.Context, run *Run) (string, error) { return f(ctx, run) }

func ttsPayload() models.Payload {
	return models.NewTTSPayload(models.TTSPayload{Input: "hello", Voice: "alloy", Format: "mp3", Speed: 1})
}

type harness struct {
	store    *fakeJobStore
	resolver *fakeResolver
	notifier *recordingNotifier
	d        *Dispatcher
}

func newHarness(budgets queue.Budgets) *harness {
	h := &harness{
		store:    newFakeJobStore(),
		resolver: &fakeResolver{client: &fakeCapability{}},
		notifier: &recordingNotifier{},
	}
	h.d = NewDispatcher(h.store, h.resolver, h.notifier, budgets, 0)
	return h
}

func TestRunCompletesJob(t *testing.T) {
	h := newHarness(nil)
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(_ context.Context, run *Run) (string, error) {
		assert.NotNil(t, run.Client)
		assert.Equal(t, "hello", run.Payload.TTS.Input)
		run.Progress("halfway")
		return `{"ok":true}`, nil
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	h.d.Run(context.Background(), job.ID)

	got := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, `{"ok":true}`, got.Result)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []string{models.EventJobProgress, models.EventJobCompleted}, h.notifier.names())
	assert.Equal(t, job.UserID, h.notifier.events[1].UserID)
}

func TestConcurrentClaimsRunHandlerOnce(t *testing.T) {
	h := newHarness(nil)
	var calls atomic.Int32
	release := make(chan struct{})
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(context.Context, *Run) (string, error) {
		calls.Add(1)
		<-release
		return "done", nil
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.Run(context.Background(), job.ID)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
}

func TestTerminalJobIsNotReclaimed(t *testing.T) {
	h := newHarness(nil)
	var calls atomic.Int32
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(context.Context, *Run) (string, error) {
		calls.Add(1)
		return "done", nil
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	h.d.Run(context.Background(), job.ID)
	h.d.Run(context.Background(), job.ID)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
}

func TestUnknownTypeFails(t *testing.T) {
	h := newHarness(nil)
	job := h.store.add(models.JobTypeImage, models.NewImagePayload(models.ImagePayload{Prompt: "cat"}))

	h.d.Run(context.Background(), job.ID)

	got := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Result, "invalid_request")
	assert.Zero(t, h.resolver.calls.Load())
	assert.Equal(t, []string{models.EventJobFailed}, h.notifier.names())
}

func TestCredentialErrorFailsWithoutRunningHandler(t *testing.T) {
	h := newHarness(nil)
	h.resolver.err = joberr.New(joberr.KindCredential, "no active api key")
	var calls atomic.Int32
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(context.Context, *Run) (string, error) {
		calls.Add(1)
		return "", nil
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	h.d.Run(context.Background(), job.ID)

	got := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "credential: no active api key", got.Result)
	assert.Zero(t, calls.Load())
}

func TestMissingPayloadFails(t *testing.T) {
	h := newHarness(nil)
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(context.Context, *Run) (string, error) { return "", nil }))
	job := h.store.add(models.JobTypeTTS, ttsPayload())
	delete(h.store.payloads, job.ID)

	h.d.Run(context.Background(), job.ID)

	got := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Result, "not_found")
}

func TestHandlerTimeoutFailsJob(t *testing.T) {
	h := newHarness(queue.Budgets{models.JobTypeTTS: 20 * time.Millisecond})
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(ctx context.Context, _ *Run) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("speak: %w", ctx.Err())
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	h.d.Run(context.Background(), job.ID)

	got := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.Result, "timeout: ")
}

func TestHandlerIgnoringDeadlineIsStillTimeout(t *testing.T) {
	h := newHarness(queue.Budgets{models.JobTypeTTS: 10 * time.Millisecond})
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(ctx context.Context, _ *Run) (string, error) {
		<-ctx.Done()
		return "", errors.New("upstream closed")
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	h.d.Run(context.Background(), job.ID)

	assert.Contains(t, h.store.get(job.ID).Result, "timeout: ")
}

func TestPanicFailsOnlyThatJob(t *testing.T) {
	h := newHarness(nil)
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(_ context.Context, run *Run) (string, error) {
		if run.Payload.TTS.Input == "boom" {
			panic("kaboom")
		}
		return "fine", nil
	}))
	bad := h.store.add(models.JobTypeTTS, models.NewTTSPayload(models.TTSPayload{Input: "boom"}))
	good := h.store.add(models.JobTypeTTS, ttsPayload())

	require.NotPanics(t, func() { h.d.Run(context.Background(), bad.ID) })
	h.d.Run(context.Background(), good.ID)

	assert.Equal(t, models.JobStatusFailed, h.store.get(bad.ID).Status)
	assert.Contains(t, h.store.get(bad.ID).Result, "internal: handler panic: kaboom")
	assert.Equal(t, models.JobStatusCompleted, h.store.get(good.ID).Status)
}

func TestDeletionSkipsCredentialResolution(t *testing.T) {
	h := newHarness(nil)
	h.resolver.err = joberr.New(joberr.KindCredential, "no key")
	h.d.Handle(models.JobTypeDeletion, handlerFunc(func(_ context.Context, run *Run) (string, error) {
		assert.Nil(t, run.Client)
		return "deleted", nil
	}))
	job := h.store.add(models.JobTypeDeletion, models.NewDeletionPayload(models.EntityDocument, uuid.New()))

	h.d.Run(context.Background(), job.ID)

	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
	assert.Zero(t, h.resolver.calls.Load())
}

func TestHeartbeatWhileRunning(t *testing.T) {
	h := newHarness(nil)
	h.d.heartbeat = 5 * time.Millisecond
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(context.Context, *Run) (string, error) {
		time.Sleep(40 * time.Millisecond)
		return "done", nil
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	h.d.Run(context.Background(), job.ID)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Greater(t, h.store.heartbeats, 0)
}

func TestReclaimedRunDiscardsItsOutcome(t *testing.T) {
	h := newHarness(nil)
	started := make(chan int, 2)
	release := map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	var undone atomic.Int32
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(_ context.Context, run *Run) (string, error) {
		attempt := run.Job.Attempts
		run.OnClaimLost(func(context.Context) error {
			undone.Add(1)
			return nil
		})
		started <- attempt
		<-release[attempt]
		return fmt.Sprintf("attempt %d", attempt), nil
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	first := make(chan struct{})
	go func() {
		defer close(first)
		h.d.Run(context.Background(), job.ID)
	}()
	require.Equal(t, 1, <-started)

	h.store.reclaim(job.ID)
	second := make(chan struct{})
	go func() {
		defer close(second)
		h.d.Run(context.Background(), job.ID)
	}()
	require.Equal(t, 2, <-started)

	close(release[1])
	<-first
	got := h.store.get(job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(1), undone.Load())
	assert.Empty(t, h.notifier.names())

	close(release[2])
	<-second
	got = h.store.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "attempt 2", got.Result)
	assert.Equal(t, int32(1), undone.Load())
	assert.Equal(t, []string{models.EventJobCompleted}, h.notifier.names())
}

func TestHeartbeatCancelsHandlerAfterClaimLost(t *testing.T) {
	h := newHarness(nil)
	h.d.heartbeat = 5 * time.Millisecond
	started := make(chan struct{})
	cause := make(chan error, 1)
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(ctx context.Context, _ *Run) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			cause <- context.Cause(ctx)
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			cause <- nil
			return "done", nil
		}
	}))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.d.Run(context.Background(), job.ID)
	}()
	<-started
	h.store.reclaim(job.ID)
	<-done

	assert.ErrorIs(t, <-cause, jobs.ErrClaimLost)
	assert.Equal(t, models.JobStatusPending, h.store.get(job.ID).Status)
	assert.Empty(t, h.notifier.names())
}

func TestProcessTaskRejectsBadPayload(t *testing.T) {
	h := newHarness(nil)
	err := h.d.ProcessTask(context.Background(), asynq.NewTask(queue.TypeJobRun, []byte(`{"job_id":"nope"}`)))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessTaskRunsJob(t *testing.T) {
	h := newHarness(nil)
	h.d.Handle(models.JobTypeTTS, handlerFunc(func(context.Context, *Run) (string, error) { return "ok", nil }))
	job := h.store.add(models.JobTypeTTS, ttsPayload())

	err := h.d.ProcessTask(context.Background(),
		asynq.NewTask(queue.TypeJobRun, []byte(fmt.Sprintf(`{"job_id":%q}`, job.ID))))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, h.store.get(job.ID).Status)
}
