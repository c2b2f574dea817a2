package analyses

import (
	"context"
	"time"
)

// Repo defines persistence operations for analysis requests and results.
// Transition, Complete and CompleteWithExisting only apply when the stored
// status equals from; otherwise they return an error matching ErrInvalidTransition.
type Repo interface {
	Create(ctx context.Context, req AnalysisRequest) error
	GetByID(ctx context.Context, id string) (AnalysisRequest, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]AnalysisRequest, error)
	Transition(ctx context.Context, id string, from, to Status, upd StatusUpdate) (AnalysisRequest, error)
	RequestCancel(ctx context.Context, id string) (AnalysisRequest, error)
	// Complete writes result and moves id from Processing to Completed in one unit.
	Complete(ctx context.Context, id string, result AnalysisResult) error
	// CompleteWithExisting moves id to Completed pointing at an existing result.
	CompleteWithExisting(ctx context.Context, id, resultID, contentHash string) error
	GetResult(ctx context.Context, resultID string) (AnalysisResult, error)
	// FindLatestResultBySession returns nil, nil when the session has no result.
	FindLatestResultBySession(ctx context.Context, sessionID string) (*AnalysisResult, error)
	FindStaleProcessing(ctx context.Context, olderThan time.Time) ([]AnalysisRequest, error)
}
