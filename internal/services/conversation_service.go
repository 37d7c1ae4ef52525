package services

import (
	"context"
	"fmt"
	"strings"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/internal/repository"
	"workflow-copilot/backend/pkg/models"
)

// CreateConversationInput is the payload accepted by CreateConversation.
type CreateConversationInput struct {
	WorkflowID       string  `json:"workflow_id,omitempty" validate:"omitempty,uuid"`
	Title            *string `json:"title,omitempty"`
	MaxContextTokens int     `json:"max_context_tokens,omitempty" validate:"gte=0"`
}

// AppendMessageInput is one message to add to a conversation.
type AppendMessageInput struct {
	Content    string             `json:"content"`
	Role       models.Role        `json:"role" validate:"required,oneof=user assistant"`
	Type       models.MessageType `json:"message_type,omitempty" validate:"omitempty,oneof=text workflow error"`
	Document   *models.Document   `json:"workflow_data,omitempty"`
	TokenCount int                `json:"token_count" validate:"gte=0"`
}

// ContextWindow is the slice of history sent to the generation service.
type ContextWindow struct {
	ConversationID string            `json:"conversation_id"`
	Budget         int               `json:"budget"`
	TokensUsed     int               `json:"tokens_used"`
	Dropped        int               `json:"dropped"`
	Messages       []*models.Message `json:"messages"`
}

// ConversationOptions configures a ConversationService.
type ConversationOptions struct {
	// DefaultMaxContextTokens applies when a conversation is created without a limit.
	DefaultMaxContextTokens int
	// ModelContextWindow returns a model's context window, 0 when unknown.
	ModelContextWindow func(model string) int
}

// ConversationService manages conversations, their messages and token accounting.
type ConversationService struct {
	store     repository.ConversationStore
	workflows repository.WorkflowStore
	logger    Logger
	opts      ConversationOptions
}

// NewConversationService creates a new ConversationService.
func NewConversationService(store repository.ConversationStore, workflows repository.WorkflowStore, logger Logger, opts ConversationOptions) *ConversationService {
	if opts.ModelContextWindow == nil {
		opts.ModelContextWindow = func(string) int { return 0 }
	}
	return &ConversationService{store: store, workflows: workflows, logger: logger, opts: opts}
}

// CreateConversation starts a conversation, optionally linked to a workflow
// the same user owns.
func (s *ConversationService) CreateConversation(ctx context.Context, userID string, in CreateConversationInput) (*models.Conversation, error) {
	if in.MaxContextTokens < 0 {
		return nil, apperr.Validation("max_context_tokens must not be negative")
	}
	limit := in.MaxContextTokens
	if limit == 0 {
		limit = s.opts.DefaultMaxContextTokens
	}
	c := &models.Conversation{UserID: userID, Title: in.Title, MaxContextTokens: limit}
	if in.WorkflowID != "" {
		if _, err := s.workflows.GetWorkflow(ctx, in.WorkflowID, userID); err != nil {
			return nil, err
		}
		c.Link = models.LinkedTo(in.WorkflowID)
	}
	if err := s.store.InsertConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	s.logger.Debug("conversation created", "conversation_id", c.ID, "user_id", userID)
	return c, nil
}

// LinkToWorkflow points the conversation at workflowID. Linking to the
// workflow it already points at is a no-op.
func (s *ConversationService) LinkToWorkflow(ctx context.Context, userID, conversationID, workflowID string) (*models.Conversation, error) {
	if workflowID == "" {
		return nil, apperr.Validation("workflow_id is required")
	}
	c, err := s.store.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	next, changed := c.Link.Relink(workflowID)
	if !changed {
		return c, nil
	}
	if _, err := s.workflows.GetWorkflow(ctx, workflowID, userID); err != nil {
		return nil, err
	}
	return s.store.SetConversationLink(ctx, conversationID, userID, next)
}

// AppendMessage stores a message and adds its tokens to the conversation
// total. The total is read then written, so concurrent appends can lose an
// increment; ReconcileTokens repairs the drift. When only the counter write
// fails the stored message is returned along with the error.
func (s *ConversationService) AppendMessage(ctx context.Context, userID, conversationID string, in AppendMessageInput) (*models.Message, error) {
	if in.Type == "" {
		in.Type = models.MessageTypeText
		if in.Document != nil {
			in.Type = models.MessageTypeWorkflow
		}
	}
	var problems []string
	if !in.Role.Valid() {
		problems = append(problems, fmt.Sprintf("unknown role: %s", in.Role))
	}
	if !in.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown message type: %s", in.Type))
	}
	if in.Type == models.MessageTypeWorkflow && in.Document == nil {
		problems = append(problems, "workflow messages must carry workflow_data")
	}
	if in.TokenCount < 0 {
		problems = append(problems, "token_count must not be negative")
	}
	if err := apperr.Validation(problems...); err != nil {
		return nil, err
	}

	c, err := s.store.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	m := &models.Message{
		ConversationID: c.ID,
		Content:        in.Content,
		Role:           in.Role,
		Type:           in.Type,
		TokenCount:     in.TokenCount,
	}
	if in.Document != nil {
		doc := in.Document.Clone()
		m.Document = &doc
	}
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := s.store.SetConversationTokens(ctx, c.ID, c.TotalTokens+m.TokenCount); err != nil {
		return m, fmt.Errorf("update token total: %w", err)
	}
	return m, nil
}

// Get returns the conversation with its messages in chronological order.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (*models.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	sortMessages(msgs)
	c.Messages = msgs
	return c, nil
}

// ListByOwner returns the user's conversations with nested messages.
func (s *ConversationService) ListByOwner(ctx context.Context, userID string) ([]*models.Conversation, error) {
	return s.list(ctx, userID, repository.ConversationFilter{})
}

// ListOrphan returns the user's conversations that belong to no workflow.
func (s *ConversationService) ListOrphan(ctx context.Context, userID string) ([]*models.Conversation, error) {
	return s.list(ctx, userID, repository.ConversationFilter{OrphanOnly: true})
}

func (s *ConversationService) list(ctx context.Context, userID string, filter repository.ConversationFilter) ([]*models.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(convs) == 0 {
		return []*models.Conversation{}, nil
	}
	ids := make([]string, len(convs))
	byID := make(map[string]*models.Conversation, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		c.Messages = []*models.Message{}
		byID[c.ID] = c
	}
	msgs, err := s.store.ListMessages(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		if c, ok := byID[m.ConversationID]; ok {
			c.Messages = append(c.Messages, m)
		}
	}
	for _, c := range convs {
		sortMessages(c.Messages)
	}
	return convs, nil
}

// ResolveBudget picks the token budget for a context window. An explicit
// budget wins; otherwise the smaller positive value of the model's context
// window and the conversation limit applies.
func (s *ConversationService) ResolveBudget(c *models.Conversation, model string, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	budget := c.MaxContextTokens
	if window := s.opts.ModelContextWindow(model); window > 0 && (budget <= 0 || window < budget) {
		budget = window
	}
	if budget <= 0 {
		budget = s.opts.DefaultMaxContextTokens
	}
	return budget
}

// ContextWindow selects the history that fits the resolved budget.
func (s *ConversationService) ContextWindow(ctx context.Context, userID, id, model string, budget int) (*ContextWindow, error) {
	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	budget = s.ResolveBudget(c, model, budget)
	window := SelectContextWindow(c.Messages, budget)
	return &ContextWindow{
		ConversationID: c.ID,
		Budget:         budget,
		TokensUsed:     sumTokens(window),
		Dropped:        len(c.Messages) - len(window),
		Messages:       window,
	}, nil
}

// Rename sets the conversation title.
func (s *ConversationService) Rename(ctx context.Context, userID, id, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Validation("title is required")
	}
	return s.store.SetConversationTitle(ctx, id, userID, title)
}

// ReconcileTokens recomputes the conversation total from its messages.
func (s *ConversationService) ReconcileTokens(ctx context.Context, userID, id string) (*models.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumMessageTokens(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("sum message tokens: %w", err)
	}
	if sum == c.TotalTokens {
		return c, nil
	}
	s.logger.Info("conversation token total repaired", "conversation_id", c.ID, "stored", c.TotalTokens, "actual", sum)
	if err := s.store.SetConversationTokens(ctx, c.ID, sum); err != nil {
		return nil, fmt.Errorf("update token total: %w", err)
	}
	return s.store.GetConversation(ctx, id, userID)
}
