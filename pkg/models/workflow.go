package models

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusArchived:
		return true
	}
	return false
}

// DefaultChangeSummary is recorded on a version when the caller gives none.
const DefaultChangeSummary = "Workflow updated"

// Workflow is a named graph document owned by exactly one user.
type Workflow struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     *string         `json:"description,omitempty"`
	Document        Document        `json:"workflow_data"`
	OwnerID         string          `json:"owner_id"`
	Status          WorkflowStatus  `json:"status"`
	Tags            []string        `json:"tags"`
	IsPublic        bool            `json:"is_public"`
	Generation      *GenerationMeta `json:"generation,omitempty"`
	LastGeneratedAt *time.Time      `json:"last_generated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// GenerationMeta describes the model call that produced a workflow.
type GenerationMeta struct {
	Model      string `json:"ai_model_used,omitempty"`
	LatencyMs  int    `json:"generation_time_ms,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// WorkflowPatch carries a partial update. Nil fields are left untouched.
type WorkflowPatch struct {
	Name          *string         `json:"name,omitempty"`
	Description   *string         `json:"description,omitempty"`
	Document      *Document       `json:"workflow_data,omitempty"`
	Status        *WorkflowStatus `json:"status,omitempty"`
	Tags          *[]string       `json:"tags,omitempty"`
	IsPublic      *bool           `json:"is_public,omitempty"`
	Generation    *GenerationMeta `json:"generation,omitempty"`
	ChangeSummary []string        `json:"changes_summary,omitempty"`
}

// Apply merges the patch into w. UpdatedAt is not touched.
func (p WorkflowPatch) Apply(w *Workflow) {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		d := *p.Description
		w.Description = &d
	}
	if p.Document != nil {
		w.Document = p.Document.Clone()
	}
	if p.Status != nil {
		w.Status = *p.Status
	}
	if p.Tags != nil {
		w.Tags = append([]string{}, (*p.Tags)...)
	}
	if p.IsPublic != nil {
		w.IsPublic = *p.IsPublic
	}
	if p.Generation != nil {
		g := *p.Generation
		w.Generation = &g
	}
}

// WorkflowVersion is an immutable snapshot of a workflow document as it
// existed immediately before an update.
type WorkflowVersion struct {
	ID             string    `json:"id"`
	WorkflowID     string    `json:"workflow_id"`
	VersionNumber  int       `json:"version_number"`
	Document       Document  `json:"workflow_data"`
	ChangesSummary []string  `json:"changes_summary"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}
