package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/pkg/models"
)

// maxErrorBody bounds how much of a failed response is kept as the reason.
const maxErrorBody = 512

// HTTPGenerator is an HTTP implementation of the Generator interface.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

// NewHTTPGenerator creates a new HTTPGenerator for the service at url.
// timeout bounds the whole call; zero leaves it to the caller's context.
func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type httpGenerateRequest struct {
	Model    string              `json:"model"`
	Messages []GenerationMessage `json:"messages"`
}

type httpGenerateResponse struct {
	Content     string           `json:"content"`
	MessageType string           `json:"message_type"`
	Workflow    *models.Document `json:"workflow,omitempty"`
	Changes     []string         `json:"changes_made,omitempty"`
	Model       string           `json:"model_used,omitempty"`
	TokensUsed  int              `json:"tokens_used,omitempty"`
	Usage       *Usage           `json:"usage,omitempty"`
}

type httpErrorBody struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// Generate sends the turn to {url}/generate.
func (c *HTTPGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	requestBody, err := json.Marshal(httpGenerateRequest{Model: req.Model, Messages: req.Messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/generate", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Transport("generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperr.UpstreamError{Status: resp.StatusCode, Reason: errorReason(resp)}
	}

	var body httpGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Transport("generate", ctx.Err())
		}
		return nil, &apperr.UpstreamError{Status: resp.StatusCode, Reason: "malformed response: " + err.Error()}
	}

	out := &GenerationResponse{
		Content: body.Content,
		Changes: body.Changes,
		Model:   body.Model,
		Latency: time.Since(start),
	}
	if body.Workflow != nil && (body.MessageType == "" || body.MessageType == string(models.MessageTypeWorkflow)) {
		out.Document = body.Workflow
	}
	if body.Usage != nil {
		out.Usage = *body.Usage
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = body.TokensUsed
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func errorReason(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var parsed httpErrorBody
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
