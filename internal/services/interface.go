package services

import (
	"context"
	"time"

	"workflow-copilot/backend/pkg/models"
)

// Logger is the subset of logging.Logger the services need.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// GenerationMessage is one turn handed to the generation service.
type GenerationMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// GenerationRequest is a single generation call.
type GenerationRequest struct {
	Model    string
	Messages []GenerationMessage
	// Credential is the caller's bearer token, forwarded as-is.
	Credential string
}

// Usage reports token accounting for one generation call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResponse is the reply of the generation service. Document is
// set when the reply carries a workflow.
type GenerationResponse struct {
	Content  string
	Document *models.Document
	Changes  []string
	Model    string
	Usage    Usage
	Latency  time.Duration
}

// Generator is an interface for communicating with the generation service.
// Failures are apperr kinds: *apperr.UpstreamError for non-success
// responses, ErrTimeout or ErrNetwork for transport errors.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
}
