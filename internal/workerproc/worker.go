package workerproc

import (
	"context"
	"errors"
	"sync"
	"time"

	"retrospect-backend/internal/queue"
	"retrospect-backend/internal/shared/metrics"
	"retrospect-backend/internal/shared/telemetry"
)

// Worker consumes queue deliveries with bounded concurrency and runs a
// periodic reconciliation sweep alongside.
type Worker struct {
	Consumer          queue.Consumer
	Processor         Processor
	Concurrency       int
	ShutdownTimeout   time.Duration
	Reconcile         func(ctx context.Context) (int, error)
	ReconcileInterval time.Duration
	// RetryBackoff is the pause after a failed receive.
	RetryBackoff time.Duration
}

// Run polls until ctx is cancelled, then waits up to ShutdownTimeout for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if w.Consumer == nil || w.Processor == nil {
		return errors.New("worker requires a consumer and a processor")
	}
	concurrency := w.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	if w.Reconcile != nil && w.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.reconcileLoop(ctx)
		}()
	}

	telemetry.Info("worker.started", map[string]any{"concurrency": concurrency})

pollLoop:
	for {
		if ctx.Err() != nil {
			break
		}
		deliveries, err := w.Consumer.Receive(ctx, concurrency)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break
			}
			telemetry.Error("worker.receive_failed", map[string]any{"err": err})
			w.pause(ctx)
			continue
		}

		for _, d := range deliveries {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncJobReceived()
			wg.Add(1)
			go func(d queue.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, d)
			}(d)
		}
	}

	timeout := w.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	telemetry.Info("worker.shutdown", map[string]any{"timeout": timeout.String()})
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		telemetry.Warn("worker.shutdown_timeout", nil)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	msg, outcome, err := HandleMessage(ctx, w.Processor, d.Body)
	fields := map[string]any{
		"analysis_id":   msg.RequestID,
		"trace_id":      msg.TraceID,
		"receive_count": d.ReceiveCount,
	}
	if err != nil {
		fields["err"] = err
		var procErr ErrProcess
		if errors.As(err, &procErr) {
			metrics.IncJobFailed()
			telemetry.Error("worker.analysis.failed", fields)
		} else {
			meta := ComputeMeta(d.Body)
			fields["body_len"] = meta.BodyLen
			fields["body_sha256"] = meta.BodySHA
			telemetry.Error("worker.analysis.unrecoverable", fields)
		}
	}
	if outcome == Redeliver {
		return
	}
	if d.ReceiptHandle == "" {
		telemetry.Error("worker.analysis.delete_failed", map[string]any{"analysis_id": msg.RequestID, "err": "missing receipt handle"})
		return
	}
	// Acks must land even while shutting down.
	if err := w.Consumer.Delete(context.WithoutCancel(ctx), d.ReceiptHandle); err != nil {
		telemetry.Error("worker.analysis.delete_failed", map[string]any{"analysis_id": msg.RequestID, "err": err})
		return
	}
	if err == nil {
		metrics.IncJobSucceeded()
		telemetry.Info("worker.analysis.completed", fields)
	}
}

func (w *Worker) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Reconcile(ctx)
			if err != nil {
				telemetry.Error("worker.reconcile_failed", map[string]any{"err": err})
				continue
			}
			if n > 0 {
				telemetry.Info("worker.reconciled", map[string]any{"count": n})
			}
		}
	}
}

func (w *Worker) pause(ctx context.Context) {
	d := w.RetryBackoff
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
