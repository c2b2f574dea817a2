package analyses

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores analysis requests and results in memory and is safe for
// concurrent use. All writes for a request are serialized by one mutex.
type MemoryRepo struct {
	mu        sync.RWMutex
	byID      map[string]AnalysisRequest
	bySession map[string][]string
	results   map[string]AnalysisResult
	now       func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:      make(map[string]AnalysisRequest),
		bySession: make(map[string][]string),
		results:   make(map[string]AnalysisResult),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepo) Create(ctx context.Context, req AnalysisRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	req.TemplateVariables = req.TemplateVariables.Clone()
	r.byID[req.ID] = req
	r.bySession[req.SessionID] = append(r.bySession[req.SessionID], req.ID)
	return nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (AnalysisRequest, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisRequest{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.byID[id]
	if !ok {
		return AnalysisRequest{}, ErrNotFound
	}
	return req, nil
}

// ListBySession returns requests for a session, newest first, with limit/offset.
func (r *MemoryRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]AnalysisRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	r.mu.RLock()
	ids := r.bySession[sessionID]
	out := make([]AnalysisRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []AnalysisRequest{}, nil
	}
	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from, to Status, upd StatusUpdate) (AnalysisRequest, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisRequest{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, err := r.checkLocked(id, from, to)
	if err != nil {
		return AnalysisRequest{}, err
	}
	applyUpdate(&req, to, upd, r.now())
	r.byID[id] = req
	return req, nil
}

func (r *MemoryRepo) RequestCancel(ctx context.Context, id string) (AnalysisRequest, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisRequest{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byID[id]
	if !ok {
		return AnalysisRequest{}, ErrNotFound
	}
	if req.Status.Terminal() {
		return req, &TransitionError{ID: id, From: req.Status, To: StatusCancelled}
	}
	req.CancelRequested = true
	req.UpdatedAt = r.now()
	r.byID[id] = req
	return req, nil
}

func (r *MemoryRepo) Complete(ctx context.Context, id string, result AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, err := r.checkLocked(id, StatusProcessing, StatusCompleted)
	if err != nil {
		return err
	}
	completedAt := result.GeneratedAt
	applyUpdate(&req, StatusCompleted, StatusUpdate{ContentHash: result.ContentHash, CompletedAt: &completedAt}, r.now())
	req.ResultID = result.ID
	r.results[result.ID] = result
	r.byID[id] = req
	return nil
}

func (r *MemoryRepo) CompleteWithExisting(ctx context.Context, id, resultID, contentHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[resultID]; !ok {
		return ErrNotFound
	}
	req, err := r.checkLocked(id, StatusProcessing, StatusCompleted)
	if err != nil {
		return err
	}
	now := r.now()
	applyUpdate(&req, StatusCompleted, StatusUpdate{ContentHash: contentHash, CompletedAt: &now}, now)
	req.ResultID = resultID
	r.byID[id] = req
	return nil
}

func (r *MemoryRepo) GetResult(ctx context.Context, resultID string) (AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisResult{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[resultID]
	if !ok {
		return AnalysisResult{}, ErrNotFound
	}
	return res, nil
}

func (r *MemoryRepo) FindLatestResultBySession(ctx context.Context, sessionID string) (*AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *AnalysisResult
	for _, res := range r.results {
		if res.SessionID != sessionID {
			continue
		}
		if latest == nil || res.GeneratedAt.After(latest.GeneratedAt) {
			cp := res
			latest = &cp
		}
	}
	return latest, nil
}

func (r *MemoryRepo) FindStaleProcessing(ctx context.Context, olderThan time.Time) ([]AnalysisRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AnalysisRequest
	for _, req := range r.byID {
		if req.Status == StatusProcessing && req.StartedAt != nil && req.StartedAt.Before(olderThan) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

func (r *MemoryRepo) checkLocked(id string, from, to Status) (AnalysisRequest, error) {
	req, ok := r.byID[id]
	if !ok {
		return AnalysisRequest{}, ErrNotFound
	}
	if !CanTransition(from, to) || req.Status != from {
		return AnalysisRequest{}, &TransitionError{ID: id, From: from, To: to, Actual: req.Status}
	}
	return req, nil
}

// applyUpdate mirrors the column updates the Postgres repo performs.
func applyUpdate(req *AnalysisRequest, to Status, upd StatusUpdate, now time.Time) {
	req.Status = to
	req.UpdatedAt = now
	if upd.ClearError {
		req.ErrorCode = ""
		req.ErrorMessage = nil
		req.ErrorRetryable = false
		req.CancelRequested = false
		req.CompletedAt = nil
	}
	if upd.ErrorCode != "" {
		req.ErrorCode = upd.ErrorCode
		req.ErrorRetryable = upd.ErrorRetryable
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		req.ErrorMessage = &msg
	}
	if upd.ContentHash != "" {
		req.ContentHash = upd.ContentHash
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		req.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		req.CompletedAt = &t
	}
	if to == StatusProcessing {
		req.Attempts++
	}
}

var _ Repo = (*MemoryRepo)(nil)
