package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Env       string
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBPingTimeout     time.Duration

	GeminiAPIKey       string
	GeminiBaseURL      string
	LLMModel           string
	LLMTimeout         time.Duration
	LLMTemperature     float64
	LLMMaxOutputTokens int

	// RateLimitRefillPerSecond of 0 derives the rate from the model.
	RateLimitCapacity        int
	RateLimitRefillPerSecond float64
	RateLimitAcquireTimeout  time.Duration

	RetryMaxAttempts      int
	RetryInitialDelay     time.Duration
	RetryServerErrorDelay time.Duration
	RetryNetworkDelay     time.Duration
	RetryMaxDelay         time.Duration
	RetryJitter           float64
	RetryTotalTimeout     time.Duration

	ChunkMaxTokens         int
	ChunkOverlapMessages   int
	ConsolidateMaxItems    int
	AnalysisMaxConcurrency int
	AnalysisMaxAutoRetries int
	StaleProcessingAfter   time.Duration
	ReconcileInterval      time.Duration

	SessionsDBPath string

	ArchiveStore    string
	LocalArchiveDir string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	SQSQueueURL          string
	WorkerConcurrency    int
	SQSVisibilityTimeout int
	ShutdownTimeout      time.Duration

	HTTPRateLimitRPS   float64
	HTTPRateLimitBurst int
}

// Archive store kinds.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// New returns a viper instance reading the environment with every default set.
// Callers may bind flags into it before calling FromViper.
func New() *viper.Viper {
	// Best effort; variables already in the environment win.
	_ = godotenv.Load(existing(".env", "cmd/.env")...)

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads configuration from the environment with sensible defaults.
func Load() (Config, error) {
	return FromViper(New())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DB_MAX_OPEN_CONNS", 0)
	v.SetDefault("DB_MAX_IDLE_CONNS", 0)
	v.SetDefault("DB_CONN_MAX_LIFETIME", time.Duration(0))
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", time.Duration(0))
	v.SetDefault("DB_PING_TIMEOUT", time.Duration(0))

	v.SetDefault("GEMINI_BASE_URL", "")
	v.SetDefault("LLM_MODEL", "gemini-2.5-flash-lite")
	v.SetDefault("LLM_TIMEOUT_SECONDS", 120)
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("LLM_MAX_OUTPUT_TOKENS", 2048)

	v.SetDefault("RATE_LIMIT_CAPACITY", 0)
	v.SetDefault("RATE_LIMIT_REFILL_PER_SECOND", 0.0)
	v.SetDefault("RATE_LIMIT_ACQUIRE_TIMEOUT", time.Duration(0))

	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_INITIAL_DELAY", 500*time.Millisecond)
	v.SetDefault("RETRY_SERVER_ERROR_DELAY", 250*time.Millisecond)
	v.SetDefault("RETRY_NETWORK_DELAY", 250*time.Millisecond)
	v.SetDefault("RETRY_MAX_DELAY", 30*time.Second)
	v.SetDefault("RETRY_JITTER", 0.2)
	v.SetDefault("RETRY_TOTAL_TIMEOUT", 300*time.Second)

	v.SetDefault("CHUNK_MAX_TOKENS", 30000)
	v.SetDefault("CHUNK_OVERLAP_MESSAGES", 2)
	v.SetDefault("CONSOLIDATE_MAX_ITEMS", 10)
	v.SetDefault("ANALYSIS_MAX_CONCURRENCY", 4)
	v.SetDefault("ANALYSIS_MAX_AUTO_RETRIES", 1)
	v.SetDefault("STALE_PROCESSING_AFTER", 30*time.Minute)
	v.SetDefault("RECONCILE_INTERVAL", 5*time.Minute)

	v.SetDefault("SESSIONS_DB_PATH", "")
	v.SetDefault("ARCHIVE_STORE", ArchiveNone)
	v.SetDefault("LOCAL_ARCHIVE_DIR", "./data/archive")
	v.SetDefault("AWS_REGION", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_PREFIX", "")
	v.SetDefault("SSE_KMS_KEY_ID", "")

	v.SetDefault("RA_SQS_QUEUE_URL", "")
	v.SetDefault("RA_WORKER_CONCURRENCY", 2)
	v.SetDefault("RA_SQS_VISIBILITY_TIMEOUT_SECONDS", 0)
	v.SetDefault("RA_SHUTDOWN_TIMEOUT_SECONDS", 30)

	v.SetDefault("HTTP_RATE_LIMIT_RPS", 5.0)
	v.SetDefault("HTTP_RATE_LIMIT_BURST", 20)
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:       normalizeEnv(v.GetString("ENV")),
		Port:      v.GetString("PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		DatabaseURL:       strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBMaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		DBPingTimeout:     v.GetDuration("DB_PING_TIMEOUT"),

		GeminiAPIKey:       strings.TrimSpace(v.GetString("GEMINI_API_KEY")),
		GeminiBaseURL:      strings.TrimSpace(v.GetString("GEMINI_BASE_URL")),
		LLMModel:           strings.TrimSpace(v.GetString("LLM_MODEL")),
		LLMTimeout:         time.Duration(v.GetInt("LLM_TIMEOUT_SECONDS")) * time.Second,
		LLMTemperature:     v.GetFloat64("LLM_TEMPERATURE"),
		LLMMaxOutputTokens: v.GetInt("LLM_MAX_OUTPUT_TOKENS"),

		RateLimitCapacity:        v.GetInt("RATE_LIMIT_CAPACITY"),
		RateLimitRefillPerSecond: v.GetFloat64("RATE_LIMIT_REFILL_PER_SECOND"),
		RateLimitAcquireTimeout:  v.GetDuration("RATE_LIMIT_ACQUIRE_TIMEOUT"),

		RetryMaxAttempts:      v.GetInt("RETRY_MAX_ATTEMPTS"),
		RetryInitialDelay:     v.GetDuration("RETRY_INITIAL_DELAY"),
		RetryServerErrorDelay: v.GetDuration("RETRY_SERVER_ERROR_DELAY"),
		RetryNetworkDelay:     v.GetDuration("RETRY_NETWORK_DELAY"),
		RetryMaxDelay:         v.GetDuration("RETRY_MAX_DELAY"),
		RetryJitter:           v.GetFloat64("RETRY_JITTER"),
		RetryTotalTimeout:     v.GetDuration("RETRY_TOTAL_TIMEOUT"),

		ChunkMaxTokens:         v.GetInt("CHUNK_MAX_TOKENS"),
		ChunkOverlapMessages:   v.GetInt("CHUNK_OVERLAP_MESSAGES"),
		ConsolidateMaxItems:    v.GetInt("CONSOLIDATE_MAX_ITEMS"),
		AnalysisMaxConcurrency: v.GetInt("ANALYSIS_MAX_CONCURRENCY"),
		AnalysisMaxAutoRetries: v.GetInt("ANALYSIS_MAX_AUTO_RETRIES"),
		StaleProcessingAfter:   v.GetDuration("STALE_PROCESSING_AFTER"),
		ReconcileInterval:      v.GetDuration("RECONCILE_INTERVAL"),

		SessionsDBPath: strings.TrimSpace(v.GetString("SESSIONS_DB_PATH")),

		ArchiveStore:    normalizeArchiveStore(v.GetString("ARCHIVE_STORE")),
		LocalArchiveDir: v.GetString("LOCAL_ARCHIVE_DIR"),
		AWSRegion:       strings.TrimSpace(v.GetString("AWS_REGION")),
		S3Bucket:        strings.TrimSpace(v.GetString("S3_BUCKET")),
		S3Prefix:        v.GetString("S3_PREFIX"),
		SSEKMSKeyID:     strings.TrimSpace(v.GetString("SSE_KMS_KEY_ID")),

		SQSQueueURL:          strings.TrimSpace(v.GetString("RA_SQS_QUEUE_URL")),
		WorkerConcurrency:    v.GetInt("RA_WORKER_CONCURRENCY"),
		SQSVisibilityTimeout: v.GetInt("RA_SQS_VISIBILITY_TIMEOUT_SECONDS"),
		ShutdownTimeout:      time.Duration(v.GetInt("RA_SHUTDOWN_TIMEOUT_SECONDS")) * time.Second,

		HTTPRateLimitRPS:   v.GetFloat64("HTTP_RATE_LIMIT_RPS"),
		HTTPRateLimitBurst: v.GetInt("HTTP_RATE_LIMIT_BURST"),
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Env == "production" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.ArchiveStore == ArchiveS3 && c.S3Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required when ARCHIVE_STORE=s3"))
	}
	if c.ChunkMaxTokens <= 0 {
		errs = append(errs, errors.New("CHUNK_MAX_TOKENS must be positive"))
	}
	if c.ChunkOverlapMessages < 0 {
		errs = append(errs, errors.New("CHUNK_OVERLAP_MESSAGES must not be negative"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		errs = append(errs, errors.New("RETRY_JITTER must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// IsDevLike reports whether in-memory fallbacks are acceptable.
func (c Config) IsDevLike() bool {
	return c.Env == "dev" || c.Env == "local"
}

func existing(paths ...string) []string {
	var out []string
	for _, p := range paths {
		if _, err := godotenv.Read(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeArchiveStore(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ArchiveS3:
		return ArchiveS3
	case ArchiveLocal:
		return ArchiveLocal
	default:
		return ArchiveNone
	}
}
