package retention

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type taskFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (t taskFunc) Name() string                  { return t.name }
func (t taskFunc) Run(ctx context.Context) error { return t.fn(ctx) }

// NewTask adapts fn to a Task.
func NewTask(name string, fn func(ctx context.Context) error) Task {
	return taskFunc{name: name, fn: fn}
}

// Scheduler runs tasks on cron specs. A task still running when its next
// tick fires is skipped for that tick.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(cron.WithParser(parser)),
		ctx:  context.Background(),
	}
}

func (s *Scheduler) Add(task Task, spec string) error {
	if _, err := s.cron.AddFunc(spec, s.wrap(task, spec)); err != nil {
		slog.Error("schedule task failed", "task", task.Name(), "spec", spec, "error", err)
		return err
	}
	slog.Info("task scheduled", "task", task.Name(), "spec", spec)
	return nil
}

// Start runs the scheduler until Stop; ctx is handed to every task run.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop waits for running tasks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) wrap(task Task, spec string) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			slog.Info("task skipped: still running", "task", task.Name(), "spec", spec)
			return
		}
		defer running.Store(false)

		start := time.Now()
		if err := task.Run(s.ctx); err != nil {
			slog.Error("task finished", "task", task.Name(), "error", err, "elapsed", time.Since(start))
			return
		}
		slog.Debug("task finished", "task", task.Name(), "elapsed", time.Since(start))
	}
}
