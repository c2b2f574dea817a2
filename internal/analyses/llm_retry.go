package analyses

import (
	"context"
	"time"

	"retrospect-backend/internal/chunking"
	"retrospect-backend/internal/llm"
	"retrospect-backend/internal/shared/metrics"
	"retrospect-backend/internal/shared/telemetry"
)

// callWithRetry sends one chunk prompt, gating every attempt on the shared
// limiter and retrying classified transient failures per Config.Retry.
func (s *Service) callWithRetry(ctx context.Context, req AnalysisRequest, chunk chunking.Chunk, prompt string) (llm.AnalysisText, error) {
	policy := s.Config.Retry
	var deadline time.Time
	if policy.TotalTimeout > 0 {
		deadline = s.now().Add(policy.TotalTimeout)
	}

	for attempt := 1; ; attempt++ {
		if s.Limiter != nil {
			if err := s.Limiter.AcquireTimeout(ctx, s.Config.AcquireTimeout); err != nil {
				return llm.AnalysisText{}, err
			}
		}
		metrics.IncLLMCalls()
		out, err := s.LLM.Send(ctx, prompt, s.Config.Generation)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return llm.AnalysisText{}, ctx.Err()
		}

		apiErr := llm.Classify(err)
		if !apiErr.Retryable() {
			return llm.AnalysisText{}, err
		}
		if !policy.ShouldRetry(attempt, err) {
			return llm.AnalysisText{}, &llm.RetryExhaustedError{Attempts: attempt, Last: err}
		}
		delay := policy.Delay(apiErr, attempt)
		if !deadline.IsZero() && s.now().Add(delay).After(deadline) {
			return llm.AnalysisText{}, &llm.RetryExhaustedError{Attempts: attempt, Last: err}
		}

		metrics.IncLLMRetries()
		telemetry.Info("llm.retry", map[string]any{
			"trace_id":    TraceIDFromContext(ctx),
			"analysis_id": req.ID,
			"chunk":       chunk.Index,
			"attempt":     attempt,
			"kind":        string(apiErr.Kind),
			"delay_ms":    delay.Milliseconds(),
			"err":         sanitizeError(err),
		})
		if err := s.sleep(ctx, delay); err != nil {
			return llm.AnalysisText{}, err
		}
	}
}
