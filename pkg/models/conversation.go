package models

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeWorkflow MessageType = "workflow"
	MessageTypeError    MessageType = "error"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeWorkflow, MessageTypeError:
		return true
	}
	return false
}

// WorkflowLink is the association between a conversation and a workflow.
// The zero value is Unlinked.
type WorkflowLink struct {
	workflowID string
}

// Unlinked returns a link that points at no workflow.
func Unlinked() WorkflowLink { return WorkflowLink{} }

// LinkedTo returns a link to the given workflow. An empty id is Unlinked.
func LinkedTo(workflowID string) WorkflowLink { return WorkflowLink{workflowID: workflowID} }

// WorkflowID returns the linked workflow id and whether the link is set.
func (l WorkflowLink) WorkflowID() (string, bool) {
	return l.workflowID, l.workflowID != ""
}

// IsLinked reports whether the conversation belongs to a workflow.
func (l WorkflowLink) IsLinked() bool { return l.workflowID != "" }

// Relink moves the link to workflowID. changed is false when the link
// already pointed there.
func (l WorkflowLink) Relink(workflowID string) (next WorkflowLink, changed bool) {
	if l.workflowID == workflowID {
		return l, false
	}
	return LinkedTo(workflowID), true
}

// Ptr returns the link as a nullable column value.
func (l WorkflowLink) Ptr() *string {
	if l.workflowID == "" {
		return nil
	}
	id := l.workflowID
	return &id
}

// LinkFromPtr builds a link from a nullable column value.
func LinkFromPtr(id *string) WorkflowLink {
	if id == nil {
		return Unlinked()
	}
	return LinkedTo(*id)
}

func (l WorkflowLink) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Ptr())
}

func (l *WorkflowLink) UnmarshalJSON(data []byte) error {
	var id *string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*l = LinkFromPtr(id)
	return nil
}

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	Link             WorkflowLink `json:"workflow_id"`
	Title            *string      `json:"title,omitempty"`
	TotalTokens      int          `json:"total_tokens"`
	MaxContextTokens int          `json:"max_context_tokens"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Messages         []*Message   `json:"messages,omitempty"`
}

// Message is one immutable turn in a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Role           Role        `json:"role"`
	Type           MessageType `json:"message_type"`
	Document       *Document   `json:"workflow_data,omitempty"`
	TokenCount     int         `json:"token_count"`
	CreatedAt      time.Time   `json:"created_at"`
}
