package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Worker    WorkerConfig
	Jobs      JobsConfig
	RAG       RAGConfig
	Audio     AudioConfig
	Retention RetentionConfig
	Metrics   MetricsConfig
	LogLevel  slog.Level
}

type ServerConfig struct {
	Host           string
	Port           int
	RequestsPerSec float64
	Burst          int
	AllowedOrigins []string
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type LLMConfig struct {
	OpenAIBaseURL      string
	EmbeddingModel     string
	EmbeddingDimension int
	ChatModel          string
	AnthropicKey       string
	AnthropicModel     string
	RequestsPerSecond  float64
	Burst              int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ClientCacheSize    int
	ClientCacheTTL     time.Duration
	QueryCacheTTL      time.Duration
}

type StorageConfig struct {
	Root string
}

type WorkerConfig struct {
	Concurrency       int
	MetricsAddr       string
	ShutdownTimeout   time.Duration
	NotifyBuffer      int
	HeartbeatInterval time.Duration
}

// JobsConfig holds per-type handler budgets and the liveness policy.
type JobsConfig struct {
	EmbeddingTimeout time.Duration
	ImageTimeout     time.Duration
	TTSTimeout       time.Duration
	AudioTimeout     time.Duration
	DeletionTimeout  time.Duration
	StaleAfter       time.Duration
	MaxAttempts      int
	RequeueAfter     time.Duration
	RequeueBatch     int
}

type RAGConfig struct {
	ChunkTokens      int
	BatchTokens      int
	MaxSections      int
	MaxContextTokens int
	MaxHistoryTokens int
}

type AudioConfig struct {
	FFmpegPath       string
	FFprobePath      string
	SegmentLength    time.Duration
	SearchRadius     time.Duration
	SilenceThreshold float64
	MinSilence       time.Duration
}

type RetentionConfig struct {
	TempTTL            time.Duration
	AudioJobTTL        time.Duration
	FailedUploadTTL    time.Duration
	DeletionRetries    int
	DeletionRetryAfter time.Duration
	SweepSpec          string
	ReclaimSpec        string
	RequeueSpec        string
	RedriveSpec        string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           p.int("SERVER_PORT", 8080),
			RequestsPerSec: p.float("SERVER_RATE_LIMIT_RPS", 20),
			Burst:          p.int("SERVER_RATE_LIMIT_BURST", 40),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			MaxUploadBytes: int64(p.int("SERVER_MAX_UPLOAD_MB", 50)) << 20,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       p.int("DB_MAX_CONNS", 20),
			MinConns:       p.int("DB_MIN_CONNS", 2),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       p.int("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		LLM: LLMConfig{
			OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: p.int("EMBEDDING_DIMENSION", 1536),
			ChatModel:          getEnv("CHAT_MODEL", "gpt-4o-mini"),
			AnthropicKey:       getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:     getEnv("ANTHROPIC_MODEL", ""),
			RequestsPerSecond:  p.float("LLM_REQUESTS_PER_SECOND", 5),
			Burst:              p.int("LLM_BURST", 10),
			MaxRetries:         p.int("LLM_MAX_RETRIES", 5),
			RetryBaseDelay:     p.duration("LLM_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:      p.duration("LLM_RETRY_MAX_DELAY", 20*time.Second),
			ClientCacheSize:    p.int("LLM_CLIENT_CACHE_SIZE", 256),
			ClientCacheTTL:     p.duration("LLM_CLIENT_CACHE_TTL", 10*time.Minute),
			QueryCacheTTL:      p.duration("QUERY_EMBEDDING_CACHE_TTL", 24*time.Hour),
		},
		Storage: StorageConfig{
			Root: getEnv("STORAGE_ROOT", "data"),
		},
		Worker: WorkerConfig{
			Concurrency:       p.int("WORKER_CONCURRENCY", 10),
			MetricsAddr:       getEnv("WORKER_METRICS_ADDR", ":9091"),
			ShutdownTimeout:   p.duration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
			NotifyBuffer:      p.int("NOTIFY_BUFFER", 1000),
			HeartbeatInterval: p.duration("JOBS_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Jobs: JobsConfig{
			EmbeddingTimeout: p.duration("JOBS_EMBEDDING_TIMEOUT", 30*time.Minute),
			ImageTimeout:     p.duration("JOBS_IMAGE_TIMEOUT", 5*time.Minute),
			TTSTimeout:       p.duration("JOBS_TTS_TIMEOUT", 5*time.Minute),
			AudioTimeout:     p.duration("JOBS_AUDIO_TIMEOUT", time.Hour),
			DeletionTimeout:  p.duration("JOBS_DELETION_TIMEOUT", 5*time.Minute),
			StaleAfter:       p.duration("JOBS_STALE_AFTER", 5*time.Minute),
			MaxAttempts:      p.int("JOBS_MAX_ATTEMPTS", 3),
			RequeueAfter:     p.duration("JOBS_REQUEUE_AFTER", 2*time.Minute),
			RequeueBatch:     p.int("JOBS_REQUEUE_BATCH", 100),
		},
		RAG: RAGConfig{
			ChunkTokens:      p.int("RAG_CHUNK_TOKENS", 256),
			BatchTokens:      p.int("RAG_BATCH_TOKENS", 8000),
			MaxSections:      p.int("RAG_MAX_SECTIONS", 8),
			MaxContextTokens: p.int("RAG_MAX_CONTEXT_TOKENS", 3000),
			MaxHistoryTokens: p.int("RAG_MAX_HISTORY_TOKENS", 1000),
		},
		Audio: AudioConfig{
			FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
			SegmentLength:    p.duration("AUDIO_SEGMENT_LENGTH", 10*time.Minute),
			SearchRadius:     p.duration("AUDIO_SEARCH_RADIUS", 20*time.Second),
			SilenceThreshold: p.float("AUDIO_SILENCE_THRESHOLD_DB", -40),
			MinSilence:       p.duration("AUDIO_MIN_SILENCE", 300*time.Millisecond),
		},
		Retention: RetentionConfig{
			TempTTL:            p.duration("RETENTION_TEMP_TTL", 6*time.Hour),
			AudioJobTTL:        p.duration("RETENTION_AUDIO_JOB_TTL", 7*24*time.Hour),
			FailedUploadTTL:    p.duration("RETENTION_FAILED_UPLOAD_TTL", 7*24*time.Hour),
			DeletionRetries:    p.int("RETENTION_DELETION_RETRIES", 5),
			DeletionRetryAfter: p.duration("RETENTION_DELETION_RETRY_AFTER", 10*time.Minute),
			SweepSpec:          getEnv("RETENTION_SWEEP_SPEC", "@every 1h"),
			ReclaimSpec:        getEnv("RETENTION_RECLAIM_SPEC", "@every 1m"),
			RequeueSpec:        getEnv("RETENTION_REQUEUE_SPEC", "@every 1m"),
			RedriveSpec:        getEnv("RETENTION_REDRIVE_SPEC", "@every 5m"),
		},
		Metrics: MetricsConfig{
			Enabled: p.bool("METRICS_ENABLED", true),
		},
		LogLevel: p.level("LOG_LEVEL", slog.LevelInfo),
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if c.LLM.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive")
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("JOBS_MAX_ATTEMPTS must be at least 1")
	}
	if c.Worker.HeartbeatInterval >= c.Jobs.StaleAfter {
		return fmt.Errorf("JOBS_HEARTBEAT_INTERVAL (%s) must be shorter than JOBS_STALE_AFTER (%s)",
			c.Worker.HeartbeatInterval, c.Jobs.StaleAfter)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return b
}

func (p *parser) level(key string, fallback slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, err)
		return fallback
	}
	return l
}
