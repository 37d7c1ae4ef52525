package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/pkg/models"
)

// MemoryStore is an in-process Repository for development runs and tests.
// Rows are copied in and out so callers never share state with the store.
type MemoryStore struct {
	mu            sync.Mutex
	last          time.Time
	workflows     map[string]*models.Workflow
	versions      []*models.WorkflowVersion
	conversations map[string]*models.Conversation
	messages      []*models.Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*models.Workflow),
		conversations: make(map[string]*models.Conversation),
	}
}

// stamp returns a timestamp strictly after the previous one. Callers hold mu.
func (s *MemoryStore) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func copyWorkflow(w *models.Workflow) *models.Workflow {
	cp := *w
	cp.Document = w.Document.Clone()
	cp.Tags = append([]string{}, w.Tags...)
	if w.Description != nil {
		d := *w.Description
		cp.Description = &d
	}
	if w.Generation != nil {
		g := *w.Generation
		cp.Generation = &g
	}
	return &cp
}

func (s *MemoryStore) InsertWorkflow(ctx context.Context, w *models.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[w.ID]; exists {
		return apperr.Validation("workflow id already exists")
	}
	now := s.stamp()
	w.CreatedAt, w.UpdatedAt = now, now
	if w.Tags == nil {
		w.Tags = []string{}
	}
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id, ownerID string) (*models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.OwnerID != ownerID {
		return nil, apperr.NotFound("workflow")
	}
	return copyWorkflow(w), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Workflow{}
	for _, w := range s.workflows {
		if w.OwnerID == ownerID {
			out = append(out, copyWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, id, ownerID string, patch models.WorkflowPatch) (*models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.OwnerID != ownerID {
		return nil, apperr.NotFound("workflow")
	}
	patch.Apply(w)
	w.UpdatedAt = s.stamp()
	if patch.Generation != nil {
		at := w.UpdatedAt
		w.LastGeneratedAt = &at
	}
	return copyWorkflow(w), nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.OwnerID != ownerID {
		return apperr.NotFound("workflow")
	}
	delete(s.workflows, id)

	kept := s.versions[:0]
	for _, v := range s.versions {
		if v.WorkflowID != id {
			kept = append(kept, v)
		}
	}
	s.versions = kept

	for _, c := range s.conversations {
		if linked, _ := c.Link.WorkflowID(); linked == id {
			c.Link = models.Unlinked()
		}
	}
	return nil
}

func (s *MemoryStore) MaxVersionNumber(ctx context.Context, workflowID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.versions {
		if v.WorkflowID == workflowID && v.VersionNumber > n {
			n = v.VersionNumber
		}
	}
	return n, nil
}

func copyVersion(v *models.WorkflowVersion) *models.WorkflowVersion {
	cp := *v
	cp.Document = v.Document.Clone()
	cp.ChangesSummary = append([]string{}, v.ChangesSummary...)
	return &cp
}

func (s *MemoryStore) InsertVersion(ctx context.Context, v *models.WorkflowVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[v.WorkflowID]; !ok {
		return apperr.NotFound("workflow")
	}
	v.ID = uuid.NewString()
	v.CreatedAt = s.stamp()
	if v.ChangesSummary == nil {
		v.ChangesSummary = []string{}
	}
	s.versions = append(s.versions, copyVersion(v))
	return nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, workflowID, ownerID string) ([]*models.WorkflowVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.WorkflowVersion{}
	w, ok := s.workflows[workflowID]
	if !ok || w.OwnerID != ownerID {
		return out, nil
	}
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			out = append(out, copyVersion(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VersionNumber != out[j].VersionNumber {
			return out[i].VersionNumber > out[j].VersionNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func copyConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Messages = nil
	if c.Title != nil {
		t := *c.Title
		cp.Title = &t
	}
	return &cp
}

func (s *MemoryStore) InsertConversation(ctx context.Context, c *models.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := c.Link.WorkflowID(); ok {
		if _, exists := s.workflows[id]; !exists {
			return apperr.NotFound("workflow")
		}
	}
	c.ID = uuid.NewString()
	now := s.stamp()
	c.CreatedAt, c.UpdatedAt = now, now
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, apperr.NotFound("conversation")
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Conversation{}
	for _, c := range s.conversations {
		if c.UserID != userID || (filter.OrphanOnly && c.Link.IsLinked()) {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) SetConversationLink(ctx context.Context, id, userID string, link models.WorkflowLink) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, apperr.NotFound("conversation")
	}
	if wid, linked := link.WorkflowID(); linked {
		if _, exists := s.workflows[wid]; !exists {
			return nil, apperr.NotFound("workflow")
		}
	}
	c.Link = link
	c.UpdatedAt = s.stamp()
	return copyConversation(c), nil
}

func (s *MemoryStore) SetConversationTitle(ctx context.Context, id, userID, title string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, apperr.NotFound("conversation")
	}
	c.Title = &title
	c.UpdatedAt = s.stamp()
	return copyConversation(c), nil
}

func (s *MemoryStore) SetConversationTokens(ctx context.Context, id string, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return apperr.NotFound("conversation")
	}
	c.TotalTokens = total
	c.UpdatedAt = s.stamp()
	return nil
}

func copyMessage(m *models.Message) *models.Message {
	cp := *m
	if m.Document != nil {
		doc := m.Document.Clone()
		cp.Document = &doc
	}
	return &cp
}

func (s *MemoryStore) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return apperr.NotFound("conversation")
	}
	m.ID = uuid.NewString()
	m.CreatedAt = s.stamp()
	s.messages = append(s.messages, copyMessage(m))
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationIDs ...string) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = true
	}
	out := []*models.Message{}
	for _, m := range s.messages {
		if want[m.ConversationID] {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) SumMessageTokens(ctx context.Context, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			total += m.TokenCount
		}
	}
	return total, nil
}
