package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gin-gonic/gin"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/llm"
	"retrospect-backend/internal/llm/gemini"
	"retrospect-backend/internal/prompts"
	"retrospect-backend/internal/queue"
	"retrospect-backend/internal/ratelimit"
	"retrospect-backend/internal/services/health"
	"retrospect-backend/internal/sessions"
	"retrospect-backend/internal/shared/config"
	"retrospect-backend/internal/shared/server"
	"retrospect-backend/internal/shared/storage/db"
	"retrospect-backend/internal/shared/storage/object"
	localstore "retrospect-backend/internal/shared/storage/object/local"
	s3store "retrospect-backend/internal/shared/storage/object/s3"
	"retrospect-backend/internal/shared/telemetry"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Archive         object.ObjectStore
	Queue           *queue.SQSClient
	Templates       prompts.Store
	Sessions        sessions.Provider
	LLM             llm.Client
	Limiter         *ratelimit.Limiter
	AnalysesRepo    analyses.Repo
	AnalysesService *analyses.Service
	AnalysisHandler *analyses.Handler
	Health          *health.Service

	closers []func() error
}

// Build prepares every dependency and the HTTP router.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	telemetry.Init(telemetry.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	app := &App{Config: cfg}

	sqlDB, err := buildDB(ctx, cfg, db.DefaultServerOptions())
	if err != nil {
		return nil, err
	}
	if sqlDB != nil {
		app.DB = sqlDB
		app.closers = append(app.closers, sqlDB.Close)
	}

	if err := app.buildTemplates(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildSessions(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildLLM(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildQueue(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildArchive(ctx); err != nil {
		app.Close()
		return nil, err
	}

	if app.DB != nil {
		app.AnalysesRepo = &analyses.PGRepo{DB: app.DB}
	} else {
		app.AnalysesRepo = analyses.NewMemoryRepo()
	}

	svc := &analyses.Service{
		Repo:      app.AnalysesRepo,
		Templates: app.Templates,
		Sessions:  app.Sessions,
		LLM:       app.LLM,
		Limiter:   app.Limiter,
		Archive:   app.Archive,
		Config:    ServiceConfig(cfg),
	}
	// Assigned only when set so the interface stays nil otherwise.
	if app.Queue != nil {
		svc.Queue = app.Queue
	}
	app.AnalysesService = svc
	app.AnalysisHandler = analyses.NewHandler(svc)

	if app.DB != nil {
		app.Health = health.NewService(app.DB)
	} else {
		app.Health = health.NewService(nil)
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		AnalysisHandler: app.AnalysisHandler,
		Health:          app.Health,
	})
	return app, nil
}

// Close releases database handles. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	telemetry.Sync()
	return errors.Join(errs...)
}

// ServiceConfig maps process configuration onto the orchestrator's knobs.
func ServiceConfig(cfg config.Config) analyses.Config {
	out := analyses.DefaultConfig()
	out.Retry = llm.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		RateLimitBase:   cfg.RetryInitialDelay,
		ServerErrorBase: cfg.RetryServerErrorDelay,
		NetworkBase:     cfg.RetryNetworkDelay,
		MaxDelay:        cfg.RetryMaxDelay,
		Jitter:          cfg.RetryJitter,
		TotalTimeout:    cfg.RetryTotalTimeout,
	}
	if cfg.LLMTemperature > 0 {
		out.Generation.Temperature = cfg.LLMTemperature
	}
	if cfg.LLMMaxOutputTokens > 0 {
		out.Generation.MaxOutputTokens = cfg.LLMMaxOutputTokens
	}
	out.AcquireTimeout = cfg.RateLimitAcquireTimeout
	if cfg.ChunkMaxTokens > 0 {
		out.MaxTokensPerChunk = cfg.ChunkMaxTokens
	}
	out.OverlapMessages = cfg.ChunkOverlapMessages
	if cfg.ConsolidateMaxItems > 0 {
		out.MaxItems = cfg.ConsolidateMaxItems
	}
	if cfg.AnalysisMaxConcurrency > 0 {
		out.MaxConcurrency = cfg.AnalysisMaxConcurrency
	}
	out.MaxAutoRetries = cfg.AnalysisMaxAutoRetries
	if cfg.StaleProcessingAfter > 0 {
		out.StaleAfter = cfg.StaleProcessingAfter
	}
	return out
}

// LimiterSettings returns the bucket capacity and refill rate for cfg. The
// rate defaults to the model's per-minute quota; capacity to one second of it.
func LimiterSettings(cfg config.Config) (int, float64) {
	refill := cfg.RateLimitRefillPerSecond
	if refill <= 0 {
		refill = float64(gemini.DefaultRequestsPerMinute(cfg.LLMModel)) / 60.0
	}
	capacity := cfg.RateLimitCapacity
	if capacity <= 0 {
		capacity = int(math.Max(1, math.Ceil(refill)))
	}
	return capacity, refill
}

// BuildDB connects to Postgres for short-lived commands.
func BuildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return buildDB(ctx, cfg, db.DefaultCLIOptions())
}

func buildDB(ctx context.Context, cfg config.Config, defaults db.Options) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		if cfg.IsDevLike() {
			telemetry.Warn("bootstrap.memory_repositories", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		PingTimeout:     cfg.DBPingTimeout,
	}.Merge(defaults)
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if cfg.IsDevLike() {
			telemetry.Warn("bootstrap.memory_repositories", map[string]any{"reason": "connect failed", "err": err})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func (a *App) buildTemplates(ctx context.Context) error {
	if a.DB != nil {
		a.Templates = &prompts.PGStore{DB: a.DB}
	} else {
		a.Templates = prompts.NewMemoryStore()
	}
	if err := prompts.SeedBuiltins(ctx, a.Templates); err != nil {
		return fmt.Errorf("seed templates: %w", err)
	}
	return nil
}

func (a *App) buildSessions() error {
	if a.Config.SessionsDBPath == "" {
		telemetry.Warn("bootstrap.sessions_memory", map[string]any{"reason": "SESSIONS_DB_PATH empty"})
		a.Sessions = sessions.NewMemoryProvider()
		return nil
	}
	provider, err := sessions.OpenSQLite(a.Config.SessionsDBPath)
	if err != nil {
		return err
	}
	a.Sessions = provider
	a.closers = append(a.closers, provider.Close)
	return nil
}

func (a *App) buildLLM() error {
	model := strings.TrimSpace(a.Config.LLMModel)
	if model == "" {
		model = gemini.DefaultModel
	}
	if a.Config.GeminiAPIKey == "" {
		telemetry.Warn("bootstrap.llm_placeholder", map[string]any{"reason": "GEMINI_API_KEY empty", "model": model})
		a.LLM = llm.PlaceholderClient{ModelID: model}
	} else {
		client, err := gemini.NewClient(gemini.Options{
			APIKey:  a.Config.GeminiAPIKey,
			Model:   model,
			BaseURL: a.Config.GeminiBaseURL,
			Timeout: a.Config.LLMTimeout,
		})
		if err != nil {
			return err
		}
		a.LLM = client
	}

	capacity, refill := LimiterSettings(a.Config)
	a.Limiter = ratelimit.New(capacity, refill)
	return nil
}

func (a *App) buildQueue(ctx context.Context) error {
	if a.Config.SQSQueueURL == "" {
		return nil
	}
	client, err := queue.NewSQSClient(ctx, queue.SQSOptions{
		QueueURL:          a.Config.SQSQueueURL,
		Region:            a.Config.AWSRegion,
		VisibilityTimeout: int32(a.Config.SQSVisibilityTimeout),
	})
	if err != nil {
		return err
	}
	a.Queue = client
	return nil
}

func (a *App) buildArchive(ctx context.Context) error {
	switch a.Config.ArchiveStore {
	case config.ArchiveS3:
		store, err := s3store.New(ctx, s3store.Options{
			Region:   a.Config.AWSRegion,
			Bucket:   a.Config.S3Bucket,
			Prefix:   a.Config.S3Prefix,
			KMSKeyID: a.Config.SSEKMSKeyID,
		})
		if err != nil {
			return err
		}
		a.Archive = store
	case config.ArchiveLocal:
		a.Archive = localstore.New(a.Config.LocalArchiveDir)
	}
	return nil
}
