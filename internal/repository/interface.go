package repository

import (
	"context"

	"workflow-copilot/backend/pkg/models"
)

// WorkflowStore persists workflows and their version history. Every
// owner-scoped lookup that matches nothing returns apperr.ErrNotFound.
type WorkflowStore interface {
	// InsertWorkflow persists w and fills server-assigned timestamps.
	InsertWorkflow(ctx context.Context, w *models.Workflow) error
	// GetWorkflow returns the workflow with id owned by ownerID.
	GetWorkflow(ctx context.Context, id, ownerID string) (*models.Workflow, error)
	// ListWorkflows returns ownerID's workflows, newest update first.
	ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error)
	// UpdateWorkflow applies patch and stamps updated_at.
	UpdateWorkflow(ctx context.Context, id, ownerID string, patch models.WorkflowPatch) (*models.Workflow, error)
	// DeleteWorkflow removes the workflow and, by cascade, its versions.
	DeleteWorkflow(ctx context.Context, id, ownerID string) error

	// MaxVersionNumber returns the highest version number for a workflow, 0 if none.
	MaxVersionNumber(ctx context.Context, workflowID string) (int, error)
	// InsertVersion persists a snapshot and fills its id and timestamp.
	InsertVersion(ctx context.Context, v *models.WorkflowVersion) error
	// ListVersions returns versions of an owned workflow, newest first.
	ListVersions(ctx context.Context, workflowID, ownerID string) ([]*models.WorkflowVersion, error)
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	OrphanOnly bool
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	InsertConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error)
	// ListConversations returns userID's conversations, newest update first.
	ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]*models.Conversation, error)
	SetConversationLink(ctx context.Context, id, userID string, link models.WorkflowLink) (*models.Conversation, error)
	SetConversationTitle(ctx context.Context, id, userID, title string) (*models.Conversation, error)
	// SetConversationTokens overwrites the running token total and stamps updated_at.
	SetConversationTokens(ctx context.Context, id string, total int) error

	InsertMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns the messages of the given conversations. Callers
	// must not rely on the returned order.
	ListMessages(ctx context.Context, conversationIDs ...string) ([]*models.Message, error)
	// SumMessageTokens recomputes a conversation's token total from its messages.
	SumMessageTokens(ctx context.Context, conversationID string) (int, error)
}

// Repository is the full row store used by the services.
type Repository interface {
	WorkflowStore
	ConversationStore
	Ping(ctx context.Context) error
}
