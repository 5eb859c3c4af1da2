package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nhle/mailscheduler/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	defaultTimeout   = 30 * time.Second
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
)

// ErrEmptyResponse is returned when the API answers without any text.
var ErrEmptyResponse = errors.New("empty response from assistant")

// APIError is a non-200 answer from the Messages API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Options configures an Assistant. Zero values select the defaults.
type Options struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
	BaseURL   string
}

// Assistant drafts and rewrites email bodies through the Claude Messages
// API. Each call is independent; output is plain text and may differ
// between identical calls.
type Assistant struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

// New creates an assistant. Every request is bounded by opts.Timeout.
func New(apiKey string, opts Options) *Assistant {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}

	return &Assistant{
		apiKey:    apiKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		client:    &http.Client{Timeout: opts.Timeout},
	}
}

// Generate writes an email body from a free-form prompt.
func (a *Assistant) Generate(ctx context.Context, userID, prompt, style string) (string, error) {
	if !model.ValidStyle(style) {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownStyle, style)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt must not be empty")
	}

	var sb strings.Builder
	sb.WriteString("Write an email based on the following request. ")
	sb.WriteString("Return only the email body, without a subject line.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(prompt)

	return a.complete(ctx, userID, systemPrompt(style), sb.String())
}

// Improve rewrites an existing draft, keeping its meaning.
func (a *Assistant) Improve(ctx context.Context, userID, draft, style string) (string, error) {
	if !model.ValidStyle(style) {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownStyle, style)
	}
	if strings.TrimSpace(draft) == "" {
		return "", errors.New("draft must not be empty")
	}

	var sb strings.Builder
	sb.WriteString("Improve the following email draft. Fix grammar and clarity, ")
	sb.WriteString("keep the original meaning and any names, dates and figures. ")
	sb.WriteString("Return only the improved email body.\n\n")
	sb.WriteString("Draft:\n")
	sb.WriteString(draft)

	return a.complete(ctx, userID, systemPrompt(style), sb.String())
}

// systemPrompt describes the assistant's role and the requested tone.
func systemPrompt(style string) string {
	var sb strings.Builder
	sb.WriteString("You are an email writing assistant. ")
	sb.WriteString(fmt.Sprintf("Write in a %s tone. ", style))
	sb.WriteString("Answer with plain text only: no markdown, no preamble, ")
	sb.WriteString("no commentary about the email.")
	return sb.String()
}

// complete makes a single request to the Claude Messages API and joins the
// text blocks of the answer.
func (a *Assistant) complete(ctx context.Context, userID, system, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    system,
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: prompt}},
		}},
	}
	if userID != "" {
		reqBody.Metadata = &apiMetadata{UserID: userID}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, a.baseURL+messagesPath, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp apiErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			apiErr.Type = errResp.Error.Type
			apiErr.Message = errResp.Error.Message
		}
		return "", apiErr
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}

	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
	Metadata  *apiMetadata `json:"metadata,omitempty"`
}

type apiMetadata struct {
	UserID string `json:"user_id"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
