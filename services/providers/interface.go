package providers

import (
	"context"
	"errors"
	"time"

	"github.com/upb/agent-guard/models"
)

// Provider is an inference backend reached only after an action was allowed
type Provider interface {
	// Name returns the backend name (e.g., "bedrock")
	Name() string

	// Invoke performs one request/response call
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// Request is a single backend call built from an allowed action
type Request struct {
	// ModelID is the backend model identifier
	ModelID string `json:"model_id"`

	// SystemPrompt is optional
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages are the conversation turns. When empty, Prompt is sent as one user turn.
	Messages []models.Message `json:"messages,omitempty"`
	Prompt   string           `json:"prompt,omitempty"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens"`

	// Temperature controls randomness
	Temperature float64 `json:"temperature,omitempty"`
}

// Conversation returns the turns to send, falling back to Prompt as a user turn
func (r *Request) Conversation() []models.Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []models.Message{{Role: "user", Content: r.Prompt}}
}

// RequestFromAction builds a backend request carrying the action's texts and token ceiling
func RequestFromAction(action *models.Action) *Request {
	return &Request{
		ModelID:      action.ModelID,
		SystemPrompt: action.SystemPrompt,
		Messages:     action.Messages,
		Prompt:       action.PayloadText,
		MaxTokens:    action.RequestedTokens,
	}
}

// Response is the backend's answer with measured usage
type Response struct {
	ModelID    string            `json:"model_id"`
	Text       string            `json:"text"`
	StopReason string            `json:"stop_reason,omitempty"`
	Usage      models.TokenUsage `json:"usage"`
	Provider   string            `json:"provider"`
	Latency    time.Duration     `json:"latency"`
}

// ProviderError represents an error from a backend
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the backend error code
	Code string

	// Message is the error message
	Message string

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
