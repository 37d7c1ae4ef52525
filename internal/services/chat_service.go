package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/internal/graph"
	"workflow-copilot/backend/pkg/models"
)

// titleLength is the number of runes of the first message used as title.
const titleLength = 60

const untitledWorkflow = "Untitled workflow"

// recordTimeout bounds writing the error message of a failed turn. It runs
// detached from the request so an expired deadline still leaves a record.
const recordTimeout = 5 * time.Second

// TurnRequest is one user turn.
type TurnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content" validate:"required"`
	Model          string `json:"model,omitempty"`
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	Conversation *models.Conversation `json:"conversation"`
	Context      []*models.Message    `json:"context"`
	UserMessage  *models.Message      `json:"user_message"`
	Reply        *models.Message      `json:"reply"`
	Workflow     *models.Workflow     `json:"workflow,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// ChatService runs a chat turn: it selects context, calls the generator and
// folds any returned workflow back into the store.
type ChatService struct {
	conversations *ConversationService
	workflows     *WorkflowService
	generator     Generator
	logger        Logger
	defaultModel  string
	inst          instruments
}

// NewChatService creates a new ChatService.
func NewChatService(conversations *ConversationService, workflows *WorkflowService, generator Generator, logger Logger, defaultModel string) *ChatService {
	return &ChatService{
		conversations: conversations,
		workflows:     workflows,
		generator:     generator,
		logger:        logger,
		defaultModel:  defaultModel,
		inst:          newInstruments(),
	}
}

// Send runs one turn for userID. credential is forwarded to the generator.
// Generation failures are recorded as an error message in the conversation
// and returned unchanged; nothing is retried. A generated document the store
// rejects is recorded the same way and returned as an upstream error.
func (s *ChatService) Send(ctx context.Context, userID, credential string, req TurnRequest) (*TurnResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperr.Validation("content is required")
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	conv, err := s.resolveConversation(ctx, userID, req.ConversationID, content)
	if err != nil {
		return nil, err
	}

	tokens := EstimateTokens(content)
	budget := s.conversations.ResolveBudget(conv, model, 0) - tokens
	if budget < 0 {
		budget = 0
	}
	window := SelectContextWindow(conv.Messages, budget)

	userMsg, err := s.conversations.AppendMessage(ctx, userID, conv.ID, AppendMessageInput{
		Content:    content,
		Role:       models.RoleUser,
		Type:       models.MessageTypeText,
		TokenCount: tokens,
	})
	if err != nil && userMsg == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("token total not updated", "conversation_id", conv.ID, "error", err)
	}

	genReq := GenerationRequest{Model: model, Credential: credential}
	for _, m := range window {
		genReq.Messages = append(genReq.Messages, GenerationMessage{Role: m.Role, Content: m.Content})
	}
	genReq.Messages = append(genReq.Messages, GenerationMessage{Role: userMsg.Role, Content: userMsg.Content})
	resp, err := s.generator.Generate(ctx, genReq)
	if err != nil {
		s.inst.generationFailures.Add(ctx, 1)
		s.recordFailure(ctx, userID, conv.ID, err)
		return nil, err
	}

	result := &TurnResult{Context: window, UserMessage: userMsg}
	reply := AppendMessageInput{
		Content:    resp.Content,
		Role:       models.RoleAssistant,
		Type:       models.MessageTypeText,
		TokenCount: resp.Usage.CompletionTokens,
	}
	if reply.TokenCount == 0 {
		reply.TokenCount = EstimateTokens(resp.Content)
	}
	if resp.Document != nil {
		wf, err := s.applyDocument(ctx, userID, conv, model, resp)
		if err != nil {
			err = rejectedDocument(err)
			s.inst.generationFailures.Add(ctx, 1)
			s.recordFailure(ctx, userID, conv.ID, err)
			return nil, err
		}
		result.Workflow = wf
		for _, t := range graph.Dangling(wf.Document) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("connection %s -> %s references a missing node", t.Source, t.Target))
		}
		reply.Type = models.MessageTypeWorkflow
		reply.Document = &wf.Document
	}

	result.Reply, err = s.conversations.AppendMessage(ctx, userID, conv.ID, reply)
	if err != nil && result.Reply == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("token total not updated", "conversation_id", conv.ID, "error", err)
	}
	if result.Conversation, err = s.conversations.Get(ctx, userID, conv.ID); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ChatService) resolveConversation(ctx context.Context, userID, id, content string) (*models.Conversation, error) {
	if id != "" {
		return s.conversations.Get(ctx, userID, id)
	}
	title := truncateRunes(content, titleLength)
	conv, err := s.conversations.CreateConversation(ctx, userID, CreateConversationInput{Title: &title})
	if err != nil {
		return nil, err
	}
	conv.Messages = []*models.Message{}
	return conv, nil
}

// applyDocument updates the linked workflow, or creates one and links an
// orphan conversation to it.
func (s *ChatService) applyDocument(ctx context.Context, userID string, conv *models.Conversation, model string, resp *GenerationResponse) (*models.Workflow, error) {
	meta := &models.GenerationMeta{
		Model:      resp.Model,
		LatencyMs:  int(resp.Latency.Milliseconds()),
		TokensUsed: resp.Usage.TotalTokens,
	}
	if meta.Model == "" {
		meta.Model = model
	}

	if workflowID, ok := conv.Link.WorkflowID(); ok {
		wf, err := s.workflows.Update(ctx, workflowID, userID, models.WorkflowPatch{
			Document:      resp.Document,
			Generation:    meta,
			ChangeSummary: resp.Changes,
		})
		if err == nil || !errors.Is(err, apperr.ErrNotFound) {
			return wf, err
		}
		s.logger.Warn("linked workflow is gone, creating a new one", "conversation_id", conv.ID, "workflow_id", workflowID)
	}

	name := resp.Document.Name
	if name == "" && conv.Title != nil {
		name = *conv.Title
	}
	if name == "" {
		name = untitledWorkflow
	}
	wf, err := s.workflows.Create(ctx, userID, CreateWorkflowInput{
		Name:       name,
		Document:   *resp.Document,
		Generation: meta,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.conversations.LinkToWorkflow(ctx, userID, conv.ID, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// rejectedDocument turns a validation failure of a generated document into
// an upstream error. The user's request was well formed.
func rejectedDocument(err error) error {
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	return &apperr.UpstreamError{
		Status: http.StatusBadGateway,
		Reason: "generated workflow rejected: " + strings.Join(verr.Problems, "; "),
	}
}

func (s *ChatService) recordFailure(ctx context.Context, userID, conversationID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	m, err := s.conversations.AppendMessage(ctx, userID, conversationID, AppendMessageInput{
		Content: "Generation failed: " + cause.Error(),
		Role:    models.RoleAssistant,
		Type:    models.MessageTypeError,
	})
	if err != nil && m != nil {
		s.logger.Warn("token total not updated", "conversation_id", conversationID, "error", err)
	} else if err != nil {
		s.logger.Warn("error message not recorded", "conversation_id", conversationID, "error", err)
	}
	s.logger.Error("generation failed", "conversation_id", conversationID, "error", cause)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
