package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/pkg/models"
)

// DefaultSystemPrompt asks the model for an importable workflow document.
const DefaultSystemPrompt = "You design automation workflows. When the user asks for a workflow, " +
	"answer with a short explanation followed by the complete workflow as JSON in a ```json block " +
	"with the fields name, nodes, connections and settings."

// OpenAIOptions configures an OpenAIGenerator.
type OpenAIOptions struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint; empty uses the default.
	BaseURL      string
	SystemPrompt string
	// ResolveModel maps a model selector to the provider model id.
	ResolveModel func(selector string) string
}

// OpenAIGenerator generates workflows through an OpenAI-compatible chat
// completions API.
type OpenAIGenerator struct {
	client  *openai.Client
	system  string
	resolve func(string) string
}

// NewOpenAIGenerator creates a new OpenAIGenerator.
func NewOpenAIGenerator(opts OpenAIOptions) *OpenAIGenerator {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.ResolveModel == nil {
		opts.ResolveModel = func(s string) string { return s }
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(cfg),
		system:  opts.SystemPrompt,
		resolve: opts.ResolveModel,
	}
}

// Generate implements the Generator interface. The caller's credential is
// not forwarded; the provider is authenticated by the configured key.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	modelID := g.resolve(req.Model)
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: g.system})
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: msgs,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &apperr.UpstreamError{Status: http.StatusBadGateway, Reason: "no choices returned"}
	}

	content := resp.Choices[0].Message.Content
	out := &GenerationResponse{
		Content: content,
		Model:   resp.Model,
		Latency: time.Since(start),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if doc, ok := ExtractDocument(content); ok {
		out.Document = doc
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &apperr.UpstreamError{Status: apiErr.HTTPStatusCode, Reason: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		reason := ""
		if reqErr.Err != nil {
			reason = reqErr.Err.Error()
		}
		return &apperr.UpstreamError{Status: reqErr.HTTPStatusCode, Reason: reason}
	}
	return apperr.Transport("chat completion", err)
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractDocument finds a workflow document in free text: a fenced JSON
// block first, then the outermost braces. Only objects with at least one
// node count.
func ExtractDocument(text string) (*models.Document, bool) {
	var candidates []string
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	for _, c := range candidates {
		var doc models.Document
		if err := json.Unmarshal([]byte(c), &doc); err != nil {
			continue
		}
		if len(doc.Nodes) > 0 {
			return &doc, true
		}
	}
	return nil, false
}

var (
	_ Generator = (*OpenAIGenerator)(nil)
	_ Generator = (*HTTPGenerator)(nil)
)
