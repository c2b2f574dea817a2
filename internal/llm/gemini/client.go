package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"retrospect-backend/internal/llm"
	"retrospect-backend/internal/shared/telemetry"
	"retrospect-backend/internal/shared/util"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash-lite"

var apiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Options configures a Client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client implements llm.Client against the Gemini generateContent endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new Gemini client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = apiBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:     opts.APIKey,
		model:      model,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Model() string { return c.model }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

var safetySettings = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

// Send performs one generateContent exchange. Failures are *llm.APIError.
func (c *Client) Send(ctx context.Context, prompt string, cfg llm.GenerationConfig) (llm.AnalysisText, error) {
	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxOutputTokens,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
		},
		SafetySettings: safetySettings,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindInvalidRequest, Message: "encode request", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindInvalidRequest, Message: "build request", Err: err}
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return llm.AnalysisText{}, ctx.Err()
		}
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindNetwork, Message: "gemini request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindNetwork, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return llm.AnalysisText{}, errorFromResponse(resp, body)
	}

	out, err := parseSuccess(body)
	if err != nil {
		return llm.AnalysisText{}, err
	}
	telemetry.Info("llm.response", map[string]any{
		"model":             c.model,
		"prompt_hash":       util.SHA256Hex(prompt),
		"prompt_tokens":     out.PromptTokens,
		"completion_tokens": out.CompletionTokens,
		"total_tokens":      out.TotalTokens,
		"finish_reason":     out.FinishReason,
		"duration_ms":       time.Since(start).Milliseconds(),
	})
	return out, nil
}

func parseSuccess(body []byte) (llm.AnalysisText, error) {
	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindServerError, StatusCode: http.StatusOK, Message: "gemini response parse", Err: err}
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return llm.AnalysisText{}, &llm.APIError{
			Kind:       llm.KindContentBlocked,
			StatusCode: http.StatusOK,
			Message:    "prompt blocked: " + parsed.PromptFeedback.BlockReason,
		}
	}
	if len(parsed.Candidates) == 0 {
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindServerError, StatusCode: http.StatusOK, Message: "gemini response missing candidates"}
	}

	cand := parsed.Candidates[0]
	switch cand.FinishReason {
	case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return llm.AnalysisText{}, &llm.APIError{
			Kind:       llm.KindContentBlocked,
			StatusCode: http.StatusOK,
			Message:    "response blocked: " + cand.FinishReason,
		}
	}

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return llm.AnalysisText{}, &llm.APIError{Kind: llm.KindServerError, StatusCode: http.StatusOK, Message: "gemini response empty content"}
	}

	out := llm.AnalysisText{Text: text.String(), FinishReason: cand.FinishReason}
	if u := parsed.UsageMetadata; u != nil {
		out.PromptTokens = u.PromptTokenCount
		out.CompletionTokens = u.CandidatesTokenCount
		out.TotalTokens = u.TotalTokenCount
		if out.TotalTokens == 0 {
			out.TotalTokens = out.PromptTokens + out.CompletionTokens
		}
	}
	return out, nil
}

func errorFromResponse(resp *http.Response, body []byte) *llm.APIError {
	apiErr := &llm.APIError{
		Kind:       llm.KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		apiErr.Status = parsed.Error.Status
		apiErr.RetryAfter = retryDelayFromDetails(parsed.Error.Details)
	} else {
		apiErr.Message = util.TruncateUTF8(strings.TrimSpace(string(body)), 512)
	}
	if d := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); d > 0 {
		apiErr.RetryAfter = d
	}
	return apiErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func retryDelayFromDetails(details []json.RawMessage) time.Duration {
	for _, raw := range details {
		var d struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if err := json.Unmarshal(raw, &d); err != nil || d.RetryDelay == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.RetryDelay); err == nil && dur > 0 {
			return dur
		}
	}
	return 0
}

// DefaultRequestsPerMinute returns the published request quota for model.
func DefaultRequestsPerMinute(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "flash-lite"):
		return 1500
	case strings.Contains(m, "flash"):
		return 1000
	case strings.Contains(m, "pro"):
		return 360
	default:
		return 1500
	}
}

var _ llm.Client = (*Client)(nil)
