// Package app wires the shared services the api, worker and jobctl binaries
// are built from.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/database"
	"github.com/nikhilbhutani/jobpipeline/internal/document"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/jobs"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/metrics"
	"github.com/nikhilbhutani/jobpipeline/internal/queue"
	"github.com/nikhilbhutani/jobpipeline/internal/rag"
	"github.com/nikhilbhutani/jobpipeline/internal/storage"
	"github.com/nikhilbhutani/jobpipeline/internal/vectorcache"
)

// SetupLogging installs the JSON slog handler as the default logger.
func SetupLogging(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

type Services struct {
	Config    *config.Config
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Jobs      *jobs.Store
	Documents *document.Repository
	Files     *storage.Local
	Pipeline  *rag.Pipeline
	Resolver  *llm.Resolver
	Queue     *queue.Client
	Budgets   queue.Budgets
	Retry     llm.RetryPolicy
	Metrics   *metrics.Metrics
}

// New connects to Postgres and Redis, applies migrations and builds the
// services. Close releases them.
func New(ctx context.Context, cfg *config.Config) (*Services, error) {
	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(ctx, db, os.DirFS(cfg.Database.MigrationsPath)); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	files, err := storage.NewLocal(cfg.Storage.Root)
	if err != nil {
		db.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	s := &Services{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Jobs:      jobs.NewStore(db),
		Documents: document.NewRepository(db),
		Files:     files,
		Budgets:   queue.NewBudgets(cfg.Jobs),
		Retry: llm.RetryPolicy{
			MaxAttempts: cfg.LLM.MaxRetries,
			BaseDelay:   cfg.LLM.RetryBaseDelay,
			MaxDelay:    cfg.LLM.RetryMaxDelay,
		},
	}
	if cfg.Metrics.Enabled {
		s.Metrics = metrics.New()
	}
	s.Queue = queue.NewClient(cfg.Redis, s.Budgets)

	s.Pipeline = rag.NewPipeline(s.Documents, vectorcache.New(s.Documents), rag.Config{
		MaxTokensPerChunk: cfg.RAG.ChunkTokens,
		BatchTokenBudget:  cfg.RAG.BatchTokens,
		Retry:             s.Retry,
	})
	s.Resolver = llm.NewResolver(s.Jobs, llm.OpenAIFactory(llm.OpenAIConfig{
		BaseURL:            cfg.LLM.OpenAIBaseURL,
		EmbeddingModel:     cfg.LLM.EmbeddingModel,
		EmbeddingDimension: cfg.LLM.EmbeddingDimension,
		ChatModel:          cfg.LLM.ChatModel,
		RequestsPerSecond:  cfg.LLM.RequestsPerSecond,
		Burst:              cfg.LLM.Burst,
	}), cfg.LLM.ClientCacheSize, cfg.LLM.ClientCacheTTL)

	if m := s.Metrics; m != nil {
		s.Pipeline.OnCacheLoad(func(entries int) {
			m.CacheEntries.Set(float64(entries))
		})
		s.Pipeline.OnEmbedRequest(func(err error) {
			outcome := "ok"
			if err != nil {
				outcome = string(joberr.KindOf(err))
			}
			m.EmbeddingRequests.WithLabelValues(outcome).Inc()
		})
	}
	return s, nil
}

// Checks are the readiness probes for the shared backends.
func (s *Services) Checks() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		"database": func(ctx context.Context) error { return database.Ping(ctx, s.DB) },
		"redis":    func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() },
	}
}

func (s *Services) Close() {
	if err := s.Queue.Close(); err != nil {
		slog.Warn("close queue client", "error", err)
	}
	if err := s.Redis.Close(); err != nil {
		slog.Warn("close redis", "error", err)
	}
	s.DB.Close()
}
