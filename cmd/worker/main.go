package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"retrospect-backend/internal/bootstrap"
	"retrospect-backend/internal/queue"
	"retrospect-backend/internal/shared/config"
	"retrospect-backend/internal/shared/telemetry"
	"retrospect-backend/internal/workerproc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.Error("worker.config_invalid", map[string]any{"err": err})
		os.Exit(1)
	}
	if cfg.SQSQueueURL == "" {
		telemetry.Error("worker.queue_url_missing", nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		telemetry.Error("worker.bootstrap_failed", map[string]any{"err": err})
		os.Exit(1)
	}
	defer app.Close()

	w := newWorker(app, app.Queue)
	if err := w.Run(ctx); err != nil {
		telemetry.Error("worker.failed", map[string]any{"err": err})
		app.Close()
		os.Exit(1)
	}
}

func newWorker(app *bootstrap.App, consumer queue.Consumer) *workerproc.Worker {
	cfg := app.Config
	w := &workerproc.Worker{
		Consumer:          consumer,
		Processor:         app.AnalysesService,
		Concurrency:       cfg.WorkerConcurrency,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
	}
	if app.AnalysesService != nil {
		w.Reconcile = app.AnalysesService.Reconcile
	}
	return w
}
