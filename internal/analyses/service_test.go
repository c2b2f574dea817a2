package analyses

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"retrospect-backend/internal/llm"
	"retrospect-backend/internal/prompts"
	"retrospect-backend/internal/queue"
	"retrospect-backend/internal/ratelimit"
	"retrospect-backend/internal/sessions"
	"retrospect-backend/internal/shared/storage/object/local"
	"retrospect-backend/internal/shared/telemetry"
)

const testModel = "gemini-test"

type step struct {
	out llm.AnalysisText
	err error
}

// scriptedClient replays steps in order and then succeeds with "ok".
type scriptedClient struct {
	mu      sync.Mutex
	steps   []step
	calls   int
	prompts []string
	onCall  func(n int)
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (c *scriptedClient) Send(ctx context.Context, prompt string, cfg llm.GenerationConfig) (llm.AnalysisText, error) {
	c.mu.Lock()
	n := c.calls
	c.calls++
	c.prompts = append(c.prompts, prompt)
	hook := c.onCall
	c.mu.Unlock()

	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		prev := c.maxInFlight.Load()
		if cur <= prev || c.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if hook != nil {
		hook(n)
	}
	if n < len(c.steps) {
		return c.steps[n].out, c.steps[n].err
	}
	return llm.AnalysisText{Text: "ok", TotalTokens: 10}, nil
}

func (c *scriptedClient) Model() string { return testModel }

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (q *fakeQueue) Send(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

var rateLimited = &llm.APIError{Kind: llm.KindRateLimited, StatusCode: http.StatusTooManyRequests}

const shortTemplateID = "short"

func threeMessageSession(id string) sessions.Session {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return sessions.Session{ID: id, Provider: "ClaudeCode", Messages: []sessions.Message{
		{Role: "user", Timestamp: base, Content: "Please add retries to the client."},
		{Role: "assistant", Timestamp: base.Add(2 * time.Minute), Content: "Added exponential backoff."},
		{Role: "user", Timestamp: base.Add(6 * time.Minute), Content: "Thanks, tests pass."},
	}}
}

// longSession has messages of roughly 60 estimated tokens each.
func longSession(id string, n int) sessions.Session {
	s := sessions.Session{ID: id}
	for i := 0; i < n; i++ {
		s.Messages = append(s.Messages, sessions.Message{Role: "user", Content: fmt.Sprintf("%d %s", i, strings.Repeat("x", 220))})
	}
	return s
}

func newTestService(t *testing.T, client llm.Client, seed ...sessions.Session) (*Service, *MemoryRepo, *sessions.MemoryProvider) {
	t.Helper()
	store := prompts.NewMemoryStore(prompts.Builtins()...)
	short := prompts.PromptTemplate{
		ID:        shortTemplateID,
		Template:  "Summarize: {chat_content}",
		Variables: []prompts.Variable{{Name: prompts.ChatContentVariable, Required: true}},
	}
	if err := store.Save(context.Background(), short); err != nil {
		t.Fatalf("save template: %v", err)
	}
	repo := NewMemoryRepo()
	provider := sessions.NewMemoryProvider(seed...)

	cfg := DefaultConfig()
	cfg.Retry = llm.RetryPolicy{MaxAttempts: 4}
	svc := &Service{
		Repo:      repo,
		Templates: store,
		Sessions:  provider,
		LLM:       client,
		Config:    cfg,
		sleep:     func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
	return svc, repo, provider
}

func createAndRun(t *testing.T, svc *Service, sessionID, templateID string) AnalysisRequest {
	t.Helper()
	ctx := context.Background()
	req, err := svc.Create(ctx, CreateInput{SessionID: sessionID, TemplateID: templateID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func TestEndToEndSingleChunk(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := telemetry.Logger()
	telemetry.SetLogger(zap.New(core))
	t.Cleanup(func() { telemetry.SetLogger(prev) })

	client := &scriptedClient{steps: []step{{out: llm.AnalysisText{Text: "insightful", PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}}}}
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))

	req := createAndRun(t, svc, "s1", prompts.SessionSummaryID)
	if req.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", req.Status, req.ErrorMessage)
	}
	if client.Calls() != 1 {
		t.Fatalf("expected 1 call, got %d", client.Calls())
	}
	if !strings.Contains(client.prompts[0], "Thanks, tests pass.") {
		t.Fatalf("prompt missing transcript: %q", client.prompts[0])
	}

	res, err := svc.GetResult(context.Background(), req.ID)
	if err != nil || res == nil {
		t.Fatalf("GetResult: %v %v", res, err)
	}
	if res.Metrics.TokensUsed != 120 {
		t.Fatalf("expected tokens_used 120, got %d", res.Metrics.TokensUsed)
	}
	if res.ModelUsed != testModel {
		t.Fatalf("expected model %s, got %s", testModel, res.ModelUsed)
	}
	if res.Metrics.DurationMinutes != 6 {
		t.Fatalf("expected duration 6m, got %v", res.Metrics.DurationMinutes)
	}
	if len(res.QualitativeEntries) != 1 || res.QualitativeEntries[0].Summary != "insightful" {
		t.Fatalf("unexpected entries: %+v", res.QualitativeEntries)
	}
	if res.ContentHash == "" || res.ContentHash != req.ContentHash {
		t.Fatalf("content hash not recorded: result=%q request=%q", res.ContentHash, req.ContentHash)
	}

	var transitions []string
	for _, e := range logs.FilterMessage("analysis.status").All() {
		if v, ok := e.ContextMap()["status_transition"]; ok {
			transitions = append(transitions, v.(string))
		}
	}
	want := []string{"queued->processing", "processing->completed"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
}

func TestRetryBounding(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantCalls   int
		wantStatus  Status
		wantCode    string
	}{
		{name: "succeeds on fourth attempt", maxAttempts: 4, wantCalls: 4, wantStatus: StatusCompleted},
		{name: "exhausted after three", maxAttempts: 3, wantCalls: 3, wantStatus: StatusFailed, wantCode: ErrorCodeRetryExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{steps: []step{{err: rateLimited}, {err: rateLimited}, {err: rateLimited}}}
			svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
			svc.Config.Retry = llm.RetryPolicy{MaxAttempts: tt.maxAttempts, RateLimitBase: time.Millisecond, MaxDelay: time.Millisecond}
			var slept []time.Duration
			svc.sleep = func(ctx context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			}

			req := createAndRun(t, svc, "s1", shortTemplateID)
			if client.Calls() != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, client.Calls())
			}
			if req.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, req.Status)
			}
			if req.ErrorCode != tt.wantCode {
				t.Fatalf("expected code %q, got %q", tt.wantCode, req.ErrorCode)
			}
			if len(slept) != tt.wantCalls-1 {
				t.Fatalf("expected %d backoff sleeps, got %d", tt.wantCalls-1, len(slept))
			}
			if tt.wantStatus == StatusFailed && (!req.ErrorRetryable || req.ErrorMessage == nil) {
				t.Fatalf("expected retryable failure with message, got %+v", req)
			}
		})
	}
}

func TestCancellationBetweenChunks(t *testing.T) {
	client := &scriptedClient{}
	svc, repo, _ := newTestService(t, client, longSession("s1", 3))
	svc.Config.MaxTokensPerChunk = 100
	svc.Config.OverlapMessages = 0

	ctx := context.Background()
	req, err := svc.Create(ctx, CreateInput{SessionID: "s1", TemplateID: shortTemplateID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	client.onCall = func(n int) {
		if n == 0 {
			if _, err := svc.Cancel(ctx, req.ID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}
	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := svc.Get(ctx, req.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if client.Calls() != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", client.Calls())
	}
	if res, err := svc.GetResult(ctx, req.ID); err != nil || res != nil {
		t.Fatalf("expected no result, got %+v %v", res, err)
	}
	if latest, _ := repo.FindLatestResultBySession(ctx, "s1"); latest != nil {
		t.Fatalf("expected no persisted result, got %+v", latest)
	}
}

func TestCancelQueuedRequestNeverCallsModel(t *testing.T) {
	client := &scriptedClient{}
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
	ctx := context.Background()

	req, _ := svc.Create(ctx, CreateInput{SessionID: "s1", TemplateID: shortTemplateID})
	if _, err := svc.Cancel(ctx, req.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := svc.Get(ctx, req.ID)
	if got.Status != StatusCancelled || client.Calls() != 0 {
		t.Fatalf("expected cancelled with 0 calls, got %s with %d", got.Status, client.Calls())
	}
}

func TestIdempotentRerunSkipsModel(t *testing.T) {
	client := &scriptedClient{}
	svc, _, provider := newTestService(t, client, threeMessageSession("s1"))

	first := createAndRun(t, svc, "s1", prompts.SessionSummaryID)
	second := createAndRun(t, svc, "s1", prompts.SessionSummaryID)
	if client.Calls() != 1 {
		t.Fatalf("expected second run to make no calls, got %d total", client.Calls())
	}
	if second.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", second.Status)
	}
	if first.ContentHash != second.ContentHash {
		t.Fatalf("content hash changed: %s vs %s", first.ContentHash, second.ContentHash)
	}
	r1, _ := svc.GetResult(context.Background(), first.ID)
	r2, _ := svc.GetResult(context.Background(), second.ID)
	if r1 == nil || r2 == nil || r1.ID != r2.ID {
		t.Fatalf("expected reused result, got %+v and %+v", r1, r2)
	}

	changed := threeMessageSession("s1")
	changed.Messages = append(changed.Messages, sessions.Message{Role: "assistant", Content: "One more thing."})
	provider.Put(changed)
	third := createAndRun(t, svc, "s1", prompts.SessionSummaryID)
	if client.Calls() != 2 {
		t.Fatalf("expected changed session to call the model, got %d calls", client.Calls())
	}
	if third.ContentHash == first.ContentHash {
		t.Fatalf("expected new content hash for changed session")
	}
}

func TestPermanentFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		wantCalls int
	}{
		{"authentication", &llm.APIError{Kind: llm.KindAuthentication, StatusCode: 401}, ErrorCodeAuthentication, 1},
		{"permission", &llm.APIError{Kind: llm.KindPermissionDenied, StatusCode: 403}, ErrorCodePermissionDenied, 1},
		{"invalid request", &llm.APIError{Kind: llm.KindInvalidRequest, StatusCode: 400}, ErrorCodeInvalidRequest, 1},
		{"content blocked", &llm.APIError{Kind: llm.KindContentBlocked, StatusCode: 200}, ErrorCodeContentBlocked, 1},
		{"not configured", llm.ErrNotConfigured, ErrorCodeInternal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{steps: []step{{err: tt.err}}}
			svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
			req := createAndRun(t, svc, "s1", shortTemplateID)
			if req.Status != StatusFailed || req.ErrorCode != tt.wantCode {
				t.Fatalf("expected failed %s, got %s %s", tt.wantCode, req.Status, req.ErrorCode)
			}
			if req.ErrorRetryable {
				t.Fatalf("expected non-retryable failure")
			}
			if client.Calls() != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, client.Calls())
			}
		})
	}
}

func TestLocalFailuresMakeNoCalls(t *testing.T) {
	client := &scriptedClient{}
	huge := sessions.Session{ID: "big", Messages: []sessions.Message{{Role: "user", Content: strings.Repeat("y", 2000)}}}
	svc, repo, _ := newTestService(t, client, threeMessageSession("s1"), huge, sessions.Session{ID: "empty"})
	svc.Config.MaxTokensPerChunk = 100
	ctx := context.Background()

	tooLarge := createAndRun(t, svc, "big", shortTemplateID)
	if tooLarge.Status != StatusFailed || tooLarge.ErrorCode != ErrorCodeChunkTooLarge {
		t.Fatalf("expected CHUNK_TOO_LARGE, got %s %s", tooLarge.Status, tooLarge.ErrorCode)
	}

	empty := createAndRun(t, svc, "empty", shortTemplateID)
	if empty.ErrorCode != ErrorCodeSession {
		t.Fatalf("expected SESSION_ERROR, got %s", empty.ErrorCode)
	}

	missing := AnalysisRequest{ID: "r-missing-template", SessionID: "s1", TemplateID: "gone", Status: StatusQueued, CreatedAt: time.Now()}
	if err := repo.Create(ctx, missing); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Run(ctx, missing.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := svc.Get(ctx, missing.ID)
	if got.ErrorCode != ErrorCodeTemplate {
		t.Fatalf("expected TEMPLATE_ERROR, got %s", got.ErrorCode)
	}

	if client.Calls() != 0 {
		t.Fatalf("expected no model calls, got %d", client.Calls())
	}
}

type failingCompleteRepo struct {
	*MemoryRepo
	fail bool
}

func (r *failingCompleteRepo) Complete(ctx context.Context, id string, result AnalysisResult) error {
	if r.fail {
		return errors.New("connection reset by peer")
	}
	return r.MemoryRepo.Complete(ctx, id, result)
}

func TestStorageErrorLeavesProcessingUntilReconciled(t *testing.T) {
	client := &scriptedClient{}
	svc, mem, _ := newTestService(t, client, threeMessageSession("s1"))
	repo := &failingCompleteRepo{MemoryRepo: mem, fail: true}
	svc.Repo = repo
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	ctx := context.Background()

	req, _ := svc.Create(ctx, CreateInput{SessionID: "s1", TemplateID: shortTemplateID})
	err := svc.Run(ctx, req.ID)
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	got, _ := svc.Get(ctx, req.ID)
	if got.Status != StatusProcessing {
		t.Fatalf("expected request left processing, got %s", got.Status)
	}

	if n, err := svc.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("fresh request should not be reconciled: n=%d err=%v", n, err)
	}
	clock = clock.Add(31 * time.Minute)
	n, err := svc.Reconcile(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reconcile: n=%d err=%v", n, err)
	}
	got, _ = svc.Get(ctx, req.ID)
	if got.Status != StatusFailed || got.ErrorCode != ErrorCodeStorageIncomplete || got.ErrorMessage == nil || *got.ErrorMessage != StorageIncompleteMessage {
		t.Fatalf("unexpected reconciled state: %+v", got)
	}

	repo.fail = false
	if _, err := svc.Retry(ctx, req.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("Run after retry: %v", err)
	}
	got, _ = svc.Get(ctx, req.ID)
	if got.Status != StatusCompleted || got.Attempts != 2 || got.ErrorMessage != nil {
		t.Fatalf("expected completed on second attempt, got %+v", got)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	client := &scriptedClient{}
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
	ctx := context.Background()
	req := createAndRun(t, svc, "s1", shortTemplateID)

	if err := svc.Run(ctx, req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-running completed request: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Retry(ctx, req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retrying completed request: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Cancel(ctx, req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelling completed request: expected ErrInvalidTransition, got %v", err)
	}
	if err := svc.Run(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCanTransitionMatchesLifecycle(t *testing.T) {
	all := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
	legal := map[string]bool{
		"queued->processing":    true,
		"processing->completed": true,
		"processing->failed":    true,
		"processing->cancelled": true,
		"failed->queued":        true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != legal[transitionLabel(from, to)] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
	if _, err := ParseStatus("Running"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestAutoRetryRequeuesTransientFailure(t *testing.T) {
	client := &scriptedClient{steps: []step{{err: rateLimited}, {err: rateLimited}, {err: rateLimited}, {err: rateLimited}}}
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
	q := &fakeQueue{}
	svc.Queue = q
	svc.Config.Retry = llm.RetryPolicy{MaxAttempts: 2}
	svc.Config.MaxAutoRetries = 1
	ctx := context.Background()

	req, _ := svc.Create(ctx, CreateInput{SessionID: "s1", TemplateID: shortTemplateID})
	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := svc.Get(ctx, req.ID)
	if got.Status != StatusQueued || q.Len() != 1 {
		t.Fatalf("expected requeue, got status %s with %d messages", got.Status, q.Len())
	}

	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	got, _ = svc.Get(ctx, req.ID)
	if got.Status != StatusFailed || got.ErrorCode != ErrorCodeRetryExhausted || q.Len() != 1 {
		t.Fatalf("expected final failure after auto retry budget, got %s %s msgs=%d", got.Status, got.ErrorCode, q.Len())
	}
	if client.Calls() != 4 {
		t.Fatalf("expected 4 calls, got %d", client.Calls())
	}
}

func TestRateLimitTimeoutFailsWithoutCall(t *testing.T) {
	client := &scriptedClient{}
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
	limiter := ratelimit.New(1, 0.001)
	if ok, _ := limiter.TryAcquire(); !ok {
		t.Fatalf("expected initial token")
	}
	svc.Limiter = limiter
	svc.Config.AcquireTimeout = 20 * time.Millisecond

	req := createAndRun(t, svc, "s1", shortTemplateID)
	if req.Status != StatusFailed || req.ErrorCode != ErrorCodeRateLimitTimeout || !req.ErrorRetryable {
		t.Fatalf("expected retryable RATE_LIMIT_TIMEOUT, got %s %s", req.Status, req.ErrorCode)
	}
	if client.Calls() != 0 {
		t.Fatalf("expected no calls, got %d", client.Calls())
	}
}

func TestContextCancelMarksInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &scriptedClient{steps: []step{{err: context.Canceled}}}
	client.onCall = func(int) { cancel() }
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))

	req, _ := svc.Create(context.Background(), CreateInput{SessionID: "s1", TemplateID: shortTemplateID})
	if err := svc.Run(ctx, req.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := svc.Get(context.Background(), req.ID)
	if got.Status != StatusFailed || got.ErrorCode != ErrorCodeInterrupted || !got.ErrorRetryable {
		t.Fatalf("expected INTERRUPTED, got %s %s", got.Status, got.ErrorCode)
	}
}

func TestRunManyBoundsConcurrency(t *testing.T) {
	client := &scriptedClient{delay: 20 * time.Millisecond}
	var seed []sessions.Session
	for i := 0; i < 6; i++ {
		seed = append(seed, threeMessageSession(fmt.Sprintf("s%d", i)))
	}
	svc, _, _ := newTestService(t, client, seed...)
	svc.Config.MaxConcurrency = 2
	ctx := context.Background()

	var ids []string
	for _, s := range seed {
		req, err := svc.Create(ctx, CreateInput{SessionID: s.ID, TemplateID: shortTemplateID})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, req.ID)
	}
	if err := svc.RunMany(ctx, ids); err != nil {
		t.Fatalf("RunMany: %v", err)
	}
	if got := client.maxInFlight.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", got)
	}
	for _, id := range ids {
		got, _ := svc.Get(ctx, id)
		if got.Status != StatusCompleted {
			t.Fatalf("request %s: expected completed, got %s", id, got.Status)
		}
	}
}

func TestMultiChunkConsolidation(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{out: llm.AnalysisText{Text: `{"scores":{"overall":80},"entries":[{"key":"wins","items":["a"]}]}`, TotalTokens: 30}},
		{out: llm.AnalysisText{Text: `{"scores":{"overall":60},"entries":[{"key":"wins","items":["a","b"]}]}`, TotalTokens: 40}},
	}}
	svc, _, _ := newTestService(t, client, longSession("s1", 2))
	svc.Config.MaxTokensPerChunk = 100
	svc.Config.OverlapMessages = 0

	req := createAndRun(t, svc, "s1", shortTemplateID)
	if req.Status != StatusCompleted || client.Calls() != 2 {
		t.Fatalf("expected 2 chunk calls and completion, got %s with %d", req.Status, client.Calls())
	}
	res, _ := svc.GetResult(context.Background(), req.ID)
	if res.Metrics.TokensUsed != 70 {
		t.Fatalf("expected summed tokens 70, got %d", res.Metrics.TokensUsed)
	}
	if res.Scores.Overall == nil || *res.Scores.Overall < 60 || *res.Scores.Overall > 80 {
		t.Fatalf("unexpected overall score %v", res.Scores.Overall)
	}
	if len(res.QualitativeEntries) != 1 || strings.Join(res.QualitativeEntries[0].Items, ",") != "a,b" {
		t.Fatalf("unexpected entries %+v", res.QualitativeEntries)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedClient{})
	ctx := context.Background()
	if _, err := svc.Create(ctx, CreateInput{TemplateID: shortTemplateID}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{SessionID: "s1", TemplateID: "nope"}); !errors.Is(err, prompts.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestEnqueueSendsMessageWhenQueueConfigured(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedClient{}, threeMessageSession("s1"))
	q := &fakeQueue{}
	svc.Queue = q
	ctx := WithTraceID(context.Background(), "trace-1")

	req, _ := svc.Create(ctx, CreateInput{SessionID: "s1", TemplateID: shortTemplateID})
	if err := svc.Enqueue(ctx, req.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 1 || q.msgs[0].RequestID != req.ID || q.msgs[0].TraceID != "trace-1" {
		t.Fatalf("unexpected messages: %+v", q.msgs)
	}
}

func TestArchiveStoresRawChunkOutput(t *testing.T) {
	client := &scriptedClient{steps: []step{{out: llm.AnalysisText{Text: "raw model text", TotalTokens: 5}}}}
	svc, _, _ := newTestService(t, client, threeMessageSession("s1"))
	store := local.New(t.TempDir())
	svc.Archive = store

	req := createAndRun(t, svc, "s1", shortTemplateID)
	rc, err := store.Open(context.Background(), "analyses/"+req.ID+"/chunk-0.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "raw model text" {
		t.Fatalf("unexpected archived body %q", body)
	}
}

func TestSanitizeErrorKeepsValidUTF8(t *testing.T) {
	msg := sanitizeError(errors.New(strings.Repeat("a", 499) + "é\nrest"))
	if !utf8.ValidString(msg) {
		t.Fatalf("sanitizeError produced invalid UTF-8: %q", msg)
	}
	if len(msg) > 500 {
		t.Fatalf("len = %d, want <= 500", len(msg))
	}
	if msg != strings.Repeat("a", 499) {
		t.Fatalf("msg = %q", msg)
	}

	if got := sanitizeError(errors.New("line one\r\nline two")); got != "line one  line two" {
		t.Fatalf("newlines not flattened: %q", got)
	}
}
