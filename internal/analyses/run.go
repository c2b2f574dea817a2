package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"retrospect-backend/internal/chunking"
	"retrospect-backend/internal/consolidate"
	"retrospect-backend/internal/fingerprint"
	"retrospect-backend/internal/llm"
	"retrospect-backend/internal/prompts"
	"retrospect-backend/internal/ratelimit"
	"retrospect-backend/internal/sessions"
	"retrospect-backend/internal/shared/metrics"
	"retrospect-backend/internal/shared/telemetry"
)

// Run executes a Queued request to a terminal status. It returns nil once a
// terminal status is recorded, including Failed and Cancelled. It returns an
// error when the request is not runnable (ErrNotFound, ErrInvalidTransition)
// or when a *StorageError left the request in Processing.
func (s *Service) Run(ctx context.Context, id string) (err error) {
	s.init()
	startedAt := s.now()
	req, err := s.Repo.Transition(ctx, id, StatusQueued, StatusProcessing, StatusUpdate{StartedAt: &startedAt})
	if err != nil {
		return err
	}
	metrics.IncAnalysisStarted()
	s.logTransition(ctx, req, StatusQueued, StatusProcessing, map[string]any{"attempt": req.Attempts})

	r := &runState{svc: s, req: req, startedAt: startedAt}
	defer func() {
		if p := recover(); p != nil {
			err = r.fail(ctx, newFailure(ErrorCodeInternal, false, fmt.Errorf("panic: %v", p)))
		}
	}()
	return r.execute(ctx)
}

type runState struct {
	svc       *Service
	req       AnalysisRequest
	startedAt time.Time
	hash      string
}

func (r *runState) execute(ctx context.Context) error {
	s := r.svc
	if s.LLM == nil || s.Templates == nil || s.Sessions == nil {
		return r.fail(ctx, newFailure(ErrorCodeInternal, false, errors.New("analysis service missing dependencies")))
	}
	if done, err := r.checkCancel(ctx); done || err != nil {
		return err
	}

	tpl, err := s.Templates.Get(ctx, r.req.TemplateID)
	if err != nil {
		if errors.Is(err, prompts.ErrTemplateNotFound) {
			return r.fail(ctx, newFailure(ErrorCodeTemplate, false, fmt.Errorf("template %s: %w", r.req.TemplateID, err)))
		}
		return r.fail(ctx, r.classify(ctx, fmt.Errorf("load template: %w", err)))
	}

	sess, err := s.Sessions.GetSession(ctx, r.req.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return r.fail(ctx, newFailure(ErrorCodeSession, false, fmt.Errorf("session %s: %w", r.req.SessionID, err)))
		}
		return r.fail(ctx, r.classify(ctx, fmt.Errorf("load session: %w", err)))
	}
	if len(sess.Messages) == 0 {
		return r.fail(ctx, newFailure(ErrorCodeSession, false, fmt.Errorf("session %s has no messages", sess.ID)))
	}

	vars := r.req.TemplateVariables.Clone()
	messages := sess.RenderedMessages()
	if content, ok := vars.Get(prompts.ChatContentVariable); ok {
		messages = []string{content}
	} else {
		vars.Set(prompts.ChatContentVariable, sess.Transcript())
	}

	resolved, err := prompts.Resolve(tpl, vars)
	if err != nil {
		return r.fail(ctx, newFailure(ErrorCodeTemplate, false, err))
	}

	model := s.LLM.Model()
	r.hash = fingerprint.Fingerprint(resolved.Text, tpl.ID, fingerprint.TemplateDigest(tpl.Template), model)
	latest, err := s.Repo.FindLatestResultBySession(ctx, r.req.SessionID)
	if err != nil {
		return r.fail(ctx, r.classify(ctx, fmt.Errorf("find latest result: %w", err)))
	}
	var prior *fingerprint.Prior
	if latest != nil {
		prior = &fingerprint.Prior{ResultID: latest.ID, ContentHash: latest.ContentHash}
	}
	if fingerprint.ShouldSkip(prior, r.hash) {
		return r.reuse(ctx, prior)
	}

	overheadVars := vars.Clone()
	overheadVars.Set(prompts.ChatContentVariable, "")
	overhead, err := prompts.Resolve(tpl, overheadVars)
	if err != nil {
		return r.fail(ctx, newFailure(ErrorCodeTemplate, false, err))
	}
	chunks, err := chunking.Plan(messages, chunking.Options{
		MaxTokensPerChunk: s.Config.MaxTokensPerChunk,
		PromptOverhead:    chunking.EstimateTokens(overhead.Text),
		OverlapMessages:   s.Config.OverlapMessages,
	})
	if err != nil {
		return r.fail(ctx, newFailure(ErrorCodeChunkTooLarge, false, err))
	}

	outputs := make([]consolidate.Weighted, 0, len(chunks))
	raw := make([]string, 0, len(chunks))
	tokensUsed := 0
	for _, chunk := range chunks {
		if done, err := r.checkCancel(ctx); done || err != nil {
			return err
		}
		chunkVars := vars.Clone()
		chunkVars.Set(prompts.ChatContentVariable, chunk.Text)
		prompt, err := prompts.Resolve(tpl, chunkVars)
		if err != nil {
			return r.fail(ctx, newFailure(ErrorCodeTemplate, false, err))
		}

		out, err := s.callWithRetry(ctx, r.req, chunk, prompt.Text)
		if err != nil {
			return r.fail(ctx, r.classify(ctx, fmt.Errorf("chunk %d/%d: %w", chunk.Index+1, len(chunks), err)))
		}
		tokensUsed += out.TotalTokens
		raw = append(raw, out.Text)
		outputs = append(outputs, consolidate.Weighted{
			Analysis: consolidate.ParseChunkOutput(out.Text, tpl.ID),
			Weight:   float64(chunk.EstimatedTokens),
		})
	}
	if done, err := r.checkCancel(ctx); done || err != nil {
		return err
	}

	merged, err := consolidate.Consolidate(outputs, consolidate.Options{MaxItems: s.Config.MaxItems})
	if err != nil {
		return r.fail(ctx, newFailure(ErrorCodeInternal, false, err))
	}
	if tokensUsed > 0 {
		merged.Metrics.TokensUsed = tokensUsed
	}
	if d := sess.DurationMinutes(); d > 0 {
		merged.Metrics.DurationMinutes = d
	}

	generatedAt := s.now()
	result := AnalysisResult{
		ID:                 uuid.NewString(),
		RequestID:          r.req.ID,
		SessionID:          r.req.SessionID,
		ContentHash:        r.hash,
		GeneratedAt:        generatedAt,
		Scores:             merged.Scores,
		Metrics:            merged.Metrics,
		QualitativeEntries: merged.Entries,
		ModelUsed:          model,
		AnalysisDurationMs: generatedAt.Sub(r.startedAt).Milliseconds(),
	}
	if result.QualitativeEntries == nil {
		result.QualitativeEntries = []consolidate.Entry{}
	}
	if err := s.Repo.Complete(detached(ctx), r.req.ID, result); err != nil {
		return r.storageFailure(ctx, "complete", err)
	}

	metrics.IncAnalysisCompleted()
	metrics.ObserveAnalysisDurationMs(durationMs(r.startedAt, generatedAt))
	s.logTransition(ctx, r.req, StatusProcessing, StatusCompleted, map[string]any{
		"chunks":      len(chunks),
		"tokens_used": result.Metrics.TokensUsed,
		"model":       model,
		"duration_ms": durationMs(r.startedAt, generatedAt),
	})
	s.archive(detached(ctx), r.req.ID, raw)
	return nil
}

// reuse completes the request with a prior result without calling the model.
func (r *runState) reuse(ctx context.Context, prior *fingerprint.Prior) error {
	s := r.svc
	if err := s.Repo.CompleteWithExisting(detached(ctx), r.req.ID, prior.ResultID, r.hash); err != nil {
		return r.storageFailure(ctx, "complete with existing", err)
	}
	completedAt := s.now()
	metrics.IncAnalysisSkipped()
	metrics.IncAnalysisCompleted()
	metrics.ObserveAnalysisDurationMs(durationMs(r.startedAt, completedAt))
	s.logTransition(ctx, r.req, StatusProcessing, StatusCompleted, map[string]any{
		"reused_result_id": prior.ResultID,
		"duration_ms":      durationMs(r.startedAt, completedAt),
	})
	return nil
}

// checkCancel reads the persisted cancel flag. When set it records Cancelled
// and reports done.
func (r *runState) checkCancel(ctx context.Context) (bool, error) {
	s := r.svc
	current, err := s.Repo.GetByID(ctx, r.req.ID)
	if err != nil {
		if ctx.Err() != nil {
			return true, r.fail(ctx, newFailure(ErrorCodeInterrupted, true, ctx.Err()))
		}
		return true, r.fail(ctx, newFailure(ErrorCodeInternal, false, fmt.Errorf("load request: %w", err)))
	}
	if !current.CancelRequested {
		return false, nil
	}
	now := s.now()
	updated, err := s.Repo.Transition(detached(ctx), r.req.ID, StatusProcessing, StatusCancelled, StatusUpdate{CompletedAt: &now})
	if err != nil {
		return true, err
	}
	metrics.IncAnalysisCancelled()
	s.logTransition(ctx, updated, StatusProcessing, StatusCancelled, map[string]any{
		"duration_ms": durationMs(r.startedAt, now),
	})
	return true, nil
}

// fail records Failed and, when eligible, requeues the request.
func (r *runState) fail(ctx context.Context, f *failure) error {
	s := r.svc
	bg := detached(ctx)
	now := s.now()
	msg := f.message
	updated, err := s.Repo.Transition(bg, r.req.ID, StatusProcessing, StatusFailed, StatusUpdate{
		ErrorCode:      f.code,
		ErrorMessage:   &msg,
		ErrorRetryable: f.retryable,
		ContentHash:    r.hash,
		CompletedAt:    &now,
	})
	if err != nil {
		telemetry.Error("analysis.fail_update", map[string]any{
			"trace_id":    TraceIDFromContext(ctx),
			"analysis_id": r.req.ID,
			"error_code":  f.code,
			"err":         err,
		})
		return err
	}
	metrics.IncAnalysisFailed()
	metrics.ObserveAnalysisDurationMs(durationMs(r.startedAt, now))
	s.logTransition(ctx, updated, StatusProcessing, StatusFailed, map[string]any{
		"error_code":    f.code,
		"error_message": f.message,
		"retryable":     f.retryable,
		"duration_ms":   durationMs(r.startedAt, now),
	})
	r.maybeAutoRetry(bg, updated, f)
	return nil
}

// maybeAutoRetry requeues transient failures while a queue is configured, the
// run count is within budget and the fingerprint did not move.
func (r *runState) maybeAutoRetry(ctx context.Context, req AnalysisRequest, f *failure) {
	s := r.svc
	if s.Queue == nil || !f.retryable || !autoRetryable(f.code) {
		return
	}
	if req.Attempts > s.Config.MaxAutoRetries {
		return
	}
	if r.hash == "" || (r.req.ContentHash != "" && r.req.ContentHash != r.hash) {
		return
	}
	requeued, err := s.Repo.Transition(ctx, req.ID, StatusFailed, StatusQueued, StatusUpdate{ClearError: true})
	if err != nil {
		telemetry.Warn("analysis.auto_retry_skipped", map[string]any{"analysis_id": req.ID, "err": err})
		return
	}
	s.logTransition(ctx, requeued, StatusFailed, StatusQueued, map[string]any{"trigger": "auto", "attempt": req.Attempts})
	if err := s.Enqueue(ctx, req.ID); err != nil {
		telemetry.Error("analysis.auto_retry_enqueue", map[string]any{"analysis_id": req.ID, "err": err})
	}
}

// storageFailure leaves the request in Processing for reconciliation, unless
// another writer already moved it.
func (r *runState) storageFailure(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		return err
	}
	telemetry.Error("analysis.storage_error", map[string]any{
		"trace_id":    TraceIDFromContext(ctx),
		"analysis_id": r.req.ID,
		"op":          op,
		"err":         err,
	})
	return &StorageError{Op: op, Err: err}
}

// classify maps a chunk or dependency error to a persistable failure.
func (r *runState) classify(ctx context.Context, err error) *failure {
	var exhausted *llm.RetryExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return newFailure(ErrorCodeRetryExhausted, true, err)
	case errors.Is(err, ratelimit.ErrTimeout):
		return newFailure(ErrorCodeRateLimitTimeout, true, err)
	case ctx.Err() != nil:
		return newFailure(ErrorCodeInterrupted, true, err)
	}
	if apiErr := llm.Classify(err); apiErr != nil {
		switch apiErr.Kind {
		case llm.KindAuthentication:
			return newFailure(ErrorCodeAuthentication, false, err)
		case llm.KindPermissionDenied:
			return newFailure(ErrorCodePermissionDenied, false, err)
		case llm.KindInvalidRequest:
			return newFailure(ErrorCodeInvalidRequest, false, err)
		case llm.KindContentBlocked:
			return newFailure(ErrorCodeContentBlocked, false, err)
		default:
			return newFailure(ErrorCodeRetryExhausted, true, err)
		}
	}
	return newFailure(ErrorCodeInternal, false, err)
}

// archive stores raw chunk responses. Failures are logged only.
func (s *Service) archive(ctx context.Context, requestID string, raw []string) {
	if s.Archive == nil {
		return
	}
	for i, text := range raw {
		key := fmt.Sprintf("analyses/%s/chunk-%d.txt", requestID, i)
		if err := s.Archive.Put(ctx, key, "text/plain; charset=utf-8", strings.NewReader(text)); err != nil {
			telemetry.Warn("analysis.archive_failed", map[string]any{
				"analysis_id": requestID,
				"key":         key,
				"err":         err,
			})
			return
		}
	}
}
