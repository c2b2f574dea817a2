package main

// Run database migrations:
//   go run ./cmd/migrate
//   go run ./cmd/migrate status

import (
	"context"
	"errors"
	"os"

	"retrospect-backend/internal/bootstrap"
	"retrospect-backend/internal/shared/config"
	"retrospect-backend/internal/shared/storage/db"
	"retrospect-backend/internal/shared/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.Error("migrate.config_invalid", map[string]any{"err": err})
		os.Exit(1)
	}
	telemetry.Init(telemetry.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer telemetry.Sync()

	if cfg.DatabaseURL == "" {
		telemetry.Error("migrate.database_url_missing", nil)
		os.Exit(1)
	}

	ctx := context.Background()
	sqlDB, err := bootstrap.BuildDB(ctx, cfg)
	if err == nil && sqlDB == nil {
		err = errors.New("database unavailable")
	}
	if err != nil {
		telemetry.Error("migrate.connect_failed", map[string]any{"err": err})
		os.Exit(1)
	}
	defer sqlDB.Close()

	run := db.RunMigrations
	if len(os.Args) > 1 && os.Args[1] == "status" {
		run = db.MigrationStatus
	}
	if err := run(ctx, sqlDB); err != nil {
		telemetry.Error("migrate.failed", map[string]any{"err": err})
		sqlDB.Close()
		os.Exit(1)
	}
}
