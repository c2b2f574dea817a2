package llm

import (
	"context"
	"errors"
)

// GenerationConfig tunes one generation request.
type GenerationConfig struct {
	Temperature     float64
	MaxOutputTokens int
	TopP            float64
	TopK            int
}

// DefaultGenerationConfig returns the settings used for retrospective analysis.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     0.7,
		MaxOutputTokens: 2048,
		TopP:            0.8,
		TopK:            40,
	}
}

// AnalysisText is the text and token usage of one successful exchange.
type AnalysisText struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
}

// Client performs exactly one request-response exchange with a generative
// language service. Retrying is the caller's responsibility.
type Client interface {
	Send(ctx context.Context, prompt string, cfg GenerationConfig) (AnalysisText, error)
	Model() string
}

// ErrNotConfigured is returned by the placeholder client.
var ErrNotConfigured = errors.New("llm client not configured")

// PlaceholderClient stands in when no API key is configured; every call fails permanently.
type PlaceholderClient struct {
	ModelID string
}

// Send returns ErrNotConfigured.
func (PlaceholderClient) Send(context.Context, string, GenerationConfig) (AnalysisText, error) {
	return AnalysisText{}, ErrNotConfigured
}

// Model returns the configured model id.
func (p PlaceholderClient) Model() string { return p.ModelID }
