package services

import (
	"context"
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"

	"workflow-copilot/backend/internal/repository"
	"workflow-copilot/backend/pkg/models"
)

// MockWorkflowStore satisfies repository.WorkflowStore
type MockWorkflowStore struct {
	mock.Mock
}

func (m *MockWorkflowStore) InsertWorkflow(ctx context.Context, w *models.Workflow) error {
	return m.Called(ctx, w).Error(0)
}

func (m *MockWorkflowStore) GetWorkflow(ctx context.Context, id, ownerID string) (*models.Workflow, error) {
	args := m.Called(ctx, id, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockWorkflowStore) UpdateWorkflow(ctx context.Context, id, ownerID string, patch models.WorkflowPatch) (*models.Workflow, error) {
	args := m.Called(ctx, id, ownerID, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowStore) DeleteWorkflow(ctx context.Context, id, ownerID string) error {
	return m.Called(ctx, id, ownerID).Error(0)
}

func (m *MockWorkflowStore) MaxVersionNumber(ctx context.Context, workflowID string) (int, error) {
	args := m.Called(ctx, workflowID)
	return args.Int(0), args.Error(1)
}

func (m *MockWorkflowStore) InsertVersion(ctx context.Context, v *models.WorkflowVersion) error {
	return m.Called(ctx, v).Error(0)
}

func (m *MockWorkflowStore) ListVersions(ctx context.Context, workflowID, ownerID string) ([]*models.WorkflowVersion, error) {
	args := m.Called(ctx, workflowID, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WorkflowVersion), args.Error(1)
}

// MockGenerator satisfies Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GenerationResponse), args.Error(1)
}

// reversingStore returns messages newest first to prove readers re-sort.
type reversingStore struct {
	*repository.MemoryStore
}

func (s reversingStore) ListMessages(ctx context.Context, ids ...string) ([]*models.Message, error) {
	msgs, err := s.MemoryStore.ListMessages(ctx, ids...)
	slices.Reverse(msgs)
	return msgs, err
}

// failingCounterStore loses every token total write.
type failingCounterStore struct {
	*repository.MemoryStore
	err error
}

func (s failingCounterStore) SetConversationTokens(context.Context, string, int) error {
	return s.err
}

// barrier holds the first n callers of wait until all of them arrive.
// Later callers pass straight through.
type barrier struct {
	mu      sync.Mutex
	pending int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{pending: n, release: make(chan struct{})}
}

func (b *barrier) wait() {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return
	}
	b.pending--
	if b.pending == 0 {
		close(b.release)
	}
	b.mu.Unlock()
	<-b.release
}

// racingVersionStore lines concurrent updates up on the version read and
// remembers which document was written last.
type racingVersionStore struct {
	*repository.MemoryStore
	gate *barrier

	mu   sync.Mutex
	last []string
}

func (s *racingVersionStore) MaxVersionNumber(ctx context.Context, workflowID string) (int, error) {
	s.gate.wait()
	return s.MemoryStore.MaxVersionNumber(ctx, workflowID)
}

func (s *racingVersionStore) UpdateWorkflow(ctx context.Context, id, ownerID string, patch models.WorkflowPatch) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.MemoryStore.UpdateWorkflow(ctx, id, ownerID, patch)
	if err == nil && patch.Document != nil {
		s.last = nodeNames(*patch.Document)
	}
	return w, err
}

// racingConversationStore lines concurrent appends up on the conversation
// read so both see the same token total.
type racingConversationStore struct {
	*repository.MemoryStore
	gate *barrier
}

func (s racingConversationStore) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	s.gate.wait()
	return s.MemoryStore.GetConversation(ctx, id, userID)
}

func document(name string, nodes ...string) models.Document {
	doc := models.Document{Name: name, Connections: models.Connections{}}
	for _, n := range nodes {
		doc.Nodes = append(doc.Nodes, models.Node{Name: n, Type: "n8n-nodes-base.set"})
	}
	if len(nodes) > 1 {
		doc.Connections[nodes[0]] = models.NodeConnections{
			models.DefaultConnectionType: {{{Node: nodes[1], Type: models.DefaultConnectionType}}},
		}
	}
	return doc
}

func nodeNames(doc models.Document) []string {
	out := make([]string, len(doc.Nodes))
	for i, n := range doc.Nodes {
		out[i] = n.Name
	}
	return out
}
