package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/internal/export"
	"workflow-copilot/backend/internal/graph"
	"workflow-copilot/backend/internal/repository"
	"workflow-copilot/backend/pkg/models"
)

// CreateWorkflowInput is the payload accepted by WorkflowService.Create.
type CreateWorkflowInput struct {
	// ID is optional; a fresh uuid is allocated when empty.
	ID          string                 `json:"id,omitempty" validate:"omitempty,uuid"`
	Name        string                 `json:"name"`
	Description *string                `json:"description,omitempty"`
	Document    models.Document        `json:"workflow_data"`
	Status      models.WorkflowStatus  `json:"status,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	IsPublic    bool                   `json:"is_public"`
	Generation  *models.GenerationMeta `json:"generation,omitempty"`
}

// WorkflowService owns workflows and their version history.
type WorkflowService struct {
	store  repository.WorkflowStore
	logger Logger
	newID  func() string
	now    func() time.Time
	inst   instruments
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.WorkflowStore, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:  store,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
		inst:   newInstruments(),
	}
}

// Create persists a new workflow owned by ownerID.
func (s *WorkflowService) Create(ctx context.Context, ownerID string, in CreateWorkflowInput) (*models.Workflow, error) {
	id := in.ID
	if id == "" {
		id = s.newID()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.Validation("workflow id must be a uuid")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSpace(in.Document.Name)
	}
	status := in.Status
	if status == "" {
		status = models.WorkflowStatusActive
	}

	doc := s.normalize(in.Document)
	if doc.Name == "" {
		doc.Name = name
	}
	var problems []string
	if name == "" {
		problems = append(problems, "workflow name is required")
	}
	if !status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status: %s", status))
	}
	problems = append(problems, graph.Validate(doc)...)
	if err := apperr.Validation(problems...); err != nil {
		return nil, err
	}

	w := &models.Workflow{
		ID:          id,
		Name:        name,
		Description: in.Description,
		Document:    doc,
		OwnerID:     ownerID,
		Status:      status,
		Tags:        in.Tags,
		IsPublic:    in.IsPublic,
		Generation:  in.Generation,
	}
	if in.Generation != nil {
		at := s.now().UTC()
		w.LastGeneratedAt = &at
	}
	if err := s.store.InsertWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	s.logger.Info("workflow created", "workflow_id", w.ID, "owner_id", ownerID, "nodes", len(doc.Nodes))
	return w, nil
}

// Update merges patch into the workflow. When the patch replaces the
// document, the pre-update document is recorded as a new version first.
// A failed snapshot is reported and never fails the update.
func (s *WorkflowService) Update(ctx context.Context, id, ownerID string, patch models.WorkflowPatch) (*models.Workflow, error) {
	var problems []string
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		problems = append(problems, "workflow name must not be empty")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status: %s", *patch.Status))
	}
	if patch.Document != nil {
		doc := s.normalize(*patch.Document)
		patch.Document = &doc
		problems = append(problems, graph.Validate(doc)...)
	}
	if err := apperr.Validation(problems...); err != nil {
		return nil, err
	}

	current, err := s.store.GetWorkflow(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if patch.Document != nil {
		s.snapshot(ctx, current, ownerID, patch.ChangeSummary)
	}

	updated, err := s.store.UpdateWorkflow(ctx, id, ownerID, patch)
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	return updated, nil
}

func (s *WorkflowService) snapshot(ctx context.Context, current *models.Workflow, ownerID string, summary []string) {
	if err := s.recordVersion(ctx, current, ownerID, summary); err != nil {
		s.inst.versioningFailures.Add(ctx, 1)
		s.logger.Warn("workflow version not recorded",
			"workflow_id", current.ID,
			"error", fmt.Errorf("%w: %w", apperr.ErrVersioning, err))
	}
}

// recordVersion numbers the snapshot as max+1. The read and the insert are
// separate statements, so concurrent updates may record the same number.
func (s *WorkflowService) recordVersion(ctx context.Context, current *models.Workflow, ownerID string, summary []string) error {
	latest, err := s.store.MaxVersionNumber(ctx, current.ID)
	if err != nil {
		return fmt.Errorf("read latest version: %w", err)
	}
	if len(summary) == 0 {
		summary = []string{models.DefaultChangeSummary}
	}
	v := &models.WorkflowVersion{
		WorkflowID:     current.ID,
		VersionNumber:  latest + 1,
		Document:       current.Document,
		ChangesSummary: summary,
		CreatedBy:      ownerID,
	}
	if err := s.store.InsertVersion(ctx, v); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// Delete removes the workflow and its versions. Linked conversations
// become orphans.
func (s *WorkflowService) Delete(ctx context.Context, id, ownerID string) error {
	if err := s.store.DeleteWorkflow(ctx, id, ownerID); err != nil {
		return err
	}
	s.logger.Info("workflow deleted", "workflow_id", id, "owner_id", ownerID)
	return nil
}

// List returns the owner's workflows, most recently updated first.
func (s *WorkflowService) List(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx, ownerID)
}

// Get returns one owned workflow.
func (s *WorkflowService) Get(ctx context.Context, id, ownerID string) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id, ownerID)
}

// ListVersions returns the workflow's snapshots, newest first. A workflow
// that does not exist or is owned by someone else yields an empty list.
func (s *WorkflowService) ListVersions(ctx context.Context, id, ownerID string) ([]*models.WorkflowVersion, error) {
	versions, err := s.store.ListVersions(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []*models.WorkflowVersion{}
	}
	return versions, nil
}

// Export renders the workflow as a downloadable document.
func (s *WorkflowService) Export(ctx context.Context, id, ownerID string) (*export.File, error) {
	w, err := s.store.GetWorkflow(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return export.Export(w, s.now())
}

// VisualGraph converts the stored document into its node/edge form.
func (s *WorkflowService) VisualGraph(ctx context.Context, id, ownerID string) (*graph.VisualGraph, error) {
	w, err := s.store.GetWorkflow(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	vg := graph.Render(w.Document)
	return &vg, nil
}

func (s *WorkflowService) normalize(doc models.Document) models.Document {
	return graph.FillIDs(doc.Clone(), s.newID).WithDefaults()
}
