package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"retrospect-backend/internal/llm"
	"retrospect-backend/internal/prompts"
	"retrospect-backend/internal/queue"
	"retrospect-backend/internal/ratelimit"
	"retrospect-backend/internal/sessions"
	"retrospect-backend/internal/shared/metrics"
	"retrospect-backend/internal/shared/storage/object"
	"retrospect-backend/internal/shared/telemetry"
	"retrospect-backend/internal/shared/util"
)

// ErrInvalidInput is returned for malformed create requests.
var ErrInvalidInput = errors.New("invalid input")

// Config tunes the orchestrator.
type Config struct {
	Retry             llm.RetryPolicy
	Generation        llm.GenerationConfig
	AcquireTimeout    time.Duration
	MaxTokensPerChunk int
	OverlapMessages   int
	MaxItems          int
	MaxConcurrency    int
	MaxAutoRetries    int
	StaleAfter        time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:             llm.DefaultRetryPolicy(),
		Generation:        llm.DefaultGenerationConfig(),
		MaxTokensPerChunk: 30000,
		OverlapMessages:   2,
		MaxItems:          10,
		MaxConcurrency:    4,
		MaxAutoRetries:    1,
		StaleAfter:        30 * time.Minute,
	}
}

// Service owns the AnalysisRequest lifecycle.
type Service struct {
	Repo      Repo
	Templates prompts.Store
	Sessions  sessions.Provider
	LLM       llm.Client
	// Limiter is shared by every request this service runs.
	Limiter *ratelimit.Limiter
	// Queue, when set, receives runnable requests instead of in-process goroutines.
	Queue queue.Client
	// Archive, when set, stores raw chunk responses of completed requests.
	Archive object.ObjectStore
	Config  Config

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	initOnce sync.Once
	admit    *semaphore.Weighted
}

func (s *Service) init() {
	s.initOnce.Do(func() {
		if s.sleep == nil {
			s.sleep = sleepContext
		}
		if s.now == nil {
			s.now = func() time.Time { return time.Now().UTC() }
		}
		s.admit = semaphore.NewWeighted(int64(s.maxConcurrency()))
	})
}

func (s *Service) maxConcurrency() int {
	if s.Config.MaxConcurrency < 1 {
		return 1
	}
	return s.Config.MaxConcurrency
}

// CreateInput describes a new request.
type CreateInput struct {
	SessionID  string
	TemplateID string
	Variables  prompts.Variables
}

// Create persists a new Queued request. It does not start it.
func (s *Service) Create(ctx context.Context, in CreateInput) (AnalysisRequest, error) {
	s.init()
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	if in.SessionID == "" || in.TemplateID == "" {
		return AnalysisRequest{}, fmt.Errorf("%w: sessionId and templateId are required", ErrInvalidInput)
	}
	if s.Templates != nil {
		if _, err := s.Templates.Get(ctx, in.TemplateID); err != nil {
			return AnalysisRequest{}, err
		}
	}

	now := s.now()
	req := AnalysisRequest{
		ID:                uuid.NewString(),
		SessionID:         in.SessionID,
		TemplateID:        in.TemplateID,
		TemplateVariables: in.Variables.Clone(),
		Status:            StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Repo.Create(ctx, req); err != nil {
		return AnalysisRequest{}, err
	}
	telemetry.Info("analysis.status", map[string]any{
		"trace_id":    TraceIDFromContext(ctx),
		"analysis_id": req.ID,
		"session_id":  req.SessionID,
		"template_id": req.TemplateID,
		"status":      string(StatusQueued),
	})
	return req, nil
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (AnalysisRequest, error) {
	if strings.TrimSpace(id) == "" {
		return AnalysisRequest{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.Repo.GetByID(ctx, id)
}

// GetResult returns the result of a Completed request, or nil for any other status.
func (s *Service) GetResult(ctx context.Context, id string) (*AnalysisResult, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusCompleted || req.ResultID == "" {
		return nil, nil
	}
	res, err := s.Repo.GetResult(ctx, req.ResultID)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListBySession returns a session's requests newest-first.
func (s *Service) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]AnalysisRequest, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	return s.Repo.ListBySession(ctx, sessionID, limit, offset)
}

// Cancel asks a Queued or Processing request to stop at its next chunk boundary.
func (s *Service) Cancel(ctx context.Context, id string) (AnalysisRequest, error) {
	req, err := s.Repo.RequestCancel(ctx, id)
	if err != nil {
		return req, err
	}
	telemetry.Info("analysis.cancel_requested", map[string]any{
		"trace_id":    TraceIDFromContext(ctx),
		"analysis_id": req.ID,
		"session_id":  req.SessionID,
		"status":      string(req.Status),
	})
	return req, nil
}

// Retry moves a Failed request back to Queued. The caller dispatches it.
func (s *Service) Retry(ctx context.Context, id string) (AnalysisRequest, error) {
	s.init()
	req, err := s.Repo.Transition(ctx, id, StatusFailed, StatusQueued, StatusUpdate{ClearError: true})
	if err != nil {
		return AnalysisRequest{}, err
	}
	s.logTransition(ctx, req, StatusFailed, StatusQueued, map[string]any{"trigger": "manual"})
	return req, nil
}

// Enqueue dispatches a Queued request: to the job queue when configured,
// otherwise to a background goroutine under the admission limit.
func (s *Service) Enqueue(ctx context.Context, id string) error {
	s.init()
	if s.Queue != nil {
		msg := queue.Message{
			RequestID:  id,
			TraceID:    TraceIDFromContext(ctx),
			EnqueuedAt: s.now().Format(time.RFC3339),
			Version:    queue.MessageVersion,
		}
		if err := s.Queue.Send(ctx, msg); err != nil {
			return fmt.Errorf("enqueue analysis %s: %w", id, err)
		}
		return nil
	}

	bg := detached(ctx)
	go func() {
		if err := s.admit.Acquire(bg, 1); err != nil {
			return
		}
		defer s.admit.Release(1)
		if err := s.Run(bg, id); err != nil {
			telemetry.Error("analysis.run_failed", map[string]any{
				"trace_id":    TraceIDFromContext(bg),
				"analysis_id": id,
				"err":         err,
			})
		}
	}()
	return nil
}

// RunMany runs the given requests with at most Config.MaxConcurrency in flight.
func (s *Service) RunMany(ctx context.Context, ids []string) error {
	s.init()
	var g errgroup.Group
	g.SetLimit(s.maxConcurrency())

	var mu sync.Mutex
	var errs []error
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Run(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("run %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Reconcile marks requests stuck in Processing longer than Config.StaleAfter
// as Failed with a storage-incomplete error and returns how many it changed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	s.init()
	stale := s.Config.StaleAfter
	if stale <= 0 {
		stale = DefaultConfig().StaleAfter
	}
	now := s.now()
	reqs, err := s.Repo.FindStaleProcessing(ctx, now.Add(-stale))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range reqs {
		msg := StorageIncompleteMessage
		updated, err := s.Repo.Transition(ctx, req.ID, StatusProcessing, StatusFailed, StatusUpdate{
			ErrorCode:      ErrorCodeStorageIncomplete,
			ErrorMessage:   &msg,
			ErrorRetryable: true,
			CompletedAt:    &now,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return count, err
		}
		count++
		metrics.IncAnalysisFailed()
		s.logTransition(ctx, updated, StatusProcessing, StatusFailed, map[string]any{
			"error_code": ErrorCodeStorageIncomplete,
			"trigger":    "reconcile",
		})
	}
	metrics.AddAnalysisReconciled(count)
	return count, nil
}

func (s *Service) logTransition(ctx context.Context, req AnalysisRequest, from, to Status, extra map[string]any) {
	fields := map[string]any{
		"trace_id":          TraceIDFromContext(ctx),
		"analysis_id":       req.ID,
		"session_id":        req.SessionID,
		"status":            string(to),
		"status_transition": transitionLabel(from, to),
	}
	for k, v := range extra {
		fields[k] = v
	}
	if to == StatusFailed {
		telemetry.Warn("analysis.status", fields)
		return
	}
	telemetry.Info("analysis.status", fields)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	return util.TruncateUTF8(msg, 500)
}

func durationMs(startedAt, completedAt time.Time) float64 {
	if startedAt.IsZero() || completedAt.IsZero() {
		return 0
	}
	return float64(completedAt.Sub(startedAt).Microseconds()) / 1000.0
}
