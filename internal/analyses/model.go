package analyses

import (
	"time"

	"retrospect-backend/internal/consolidate"
	"retrospect-backend/internal/prompts"
)

// AnalysisRequest is a unit of work: analyze one session with one template.
type AnalysisRequest struct {
	ID                string            `json:"id"`
	SessionID         string            `json:"sessionId"`
	TemplateID        string            `json:"templateId"`
	TemplateVariables prompts.Variables `json:"templateVariables"`
	Status            Status            `json:"status"`
	ErrorCode         string            `json:"errorCode,omitempty"`
	ErrorMessage      *string           `json:"errorMessage,omitempty"`
	ErrorRetryable    bool              `json:"errorRetryable,omitempty"`
	CancelRequested   bool              `json:"cancelRequested,omitempty"`
	ContentHash       string            `json:"contentHash,omitempty"`
	ResultID          string            `json:"resultId,omitempty"`
	Attempts          int               `json:"attempts"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// AnalysisResult is the consolidated, immutable output of a completed request.
type AnalysisResult struct {
	ID                 string              `json:"id"`
	RequestID          string              `json:"requestId"`
	SessionID          string              `json:"sessionId"`
	ContentHash        string              `json:"contentHash"`
	GeneratedAt        time.Time           `json:"generatedAt"`
	Scores             consolidate.Scores  `json:"scores"`
	Metrics            consolidate.Metrics `json:"metrics"`
	QualitativeEntries []consolidate.Entry `json:"qualitativeEntries"`
	ModelUsed          string              `json:"modelUsed"`
	AnalysisDurationMs int64               `json:"analysisDurationMs"`
}

// StatusUpdate carries the optional columns written with a transition.
type StatusUpdate struct {
	ErrorCode      string
	ErrorMessage   *string
	ErrorRetryable bool
	// ClearError resets error columns, used on Failed -> Queued.
	ClearError  bool
	ContentHash string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
