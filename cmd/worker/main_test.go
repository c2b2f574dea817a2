package main

import (
	"context"
	"testing"
	"time"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/bootstrap"
	"retrospect-backend/internal/queue"
	"retrospect-backend/internal/shared/config"
)

type nopConsumer struct{}

func (nopConsumer) Receive(ctx context.Context, max int) ([]queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (nopConsumer) Delete(ctx context.Context, handle string) error { return nil }

func TestNewWorkerUsesConfig(t *testing.T) {
	svc := &analyses.Service{Repo: analyses.NewMemoryRepo()}
	app := &bootstrap.App{
		Config: config.Config{
			WorkerConcurrency: 3,
			ShutdownTimeout:   5 * time.Second,
			ReconcileInterval: time.Minute,
		},
		AnalysesService: svc,
	}

	w := newWorker(app, nopConsumer{})
	if w.Concurrency != 3 {
		t.Fatalf("expected concurrency 3, got %d", w.Concurrency)
	}
	if w.ShutdownTimeout != 5*time.Second || w.ReconcileInterval != time.Minute {
		t.Fatalf("unexpected timings: %+v", w)
	}
	if w.Reconcile == nil {
		t.Fatalf("expected reconcile to be wired")
	}
	if w.Processor == nil {
		t.Fatalf("expected processor to be wired")
	}
}
