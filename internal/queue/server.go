package queue

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
)

// NewServer builds the asynq server that drains the job queues.
func NewServer(redisCfg config.RedisConfig, workerCfg config.WorkerConfig) *asynq.Server {
	return asynq.NewServer(RedisOpt(redisCfg), asynq.Config{
		Concurrency:     workerCfg.Concurrency,
		Queues:          Queues(),
		ShutdownTimeout: workerCfg.ShutdownTimeout,
		Logger:          slogLogger{},
		LogLevel:        asynq.WarnLevel,
	})
}

// slogLogger routes asynq's own logging into slog.
type slogLogger struct{}

func (slogLogger) Debug(args ...interface{}) { slog.Debug(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Info(args ...interface{})  { slog.Info(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Warn(args ...interface{})  { slog.Warn(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Error(args ...interface{}) { slog.Error(fmt.Sprint(args...), "component", "asynq") }

func (slogLogger) Fatal(args ...interface{}) {
	slog.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}
