package api

import (
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"workflow-copilot/backend/internal/graph"
	"workflow-copilot/backend/internal/services"
	"workflow-copilot/backend/pkg/models"
)

// ListWorkflows returns the caller's workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	workflows, err := s.Workflows.List(c.Request().Context(), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

// CreateWorkflow stores a new workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var in services.CreateWorkflowInput
	if err := bind(c, &in); err != nil {
		return err
	}
	wf, err := s.Workflows.Create(c.Request().Context(), id.UserID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// GetWorkflow returns one workflow
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	wf, err := s.Workflows.Get(c.Request().Context(), c.Param("id"), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// UpdateWorkflow applies a partial update
// (PATCH /api/v1/workflows/:id)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var patch models.WorkflowPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	wf, err := s.Workflows.Update(c.Request().Context(), c.Param("id"), id.UserID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// DeleteWorkflow removes a workflow and its history
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	if err := s.Workflows.Delete(c.Request().Context(), c.Param("id"), id.UserID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListVersions returns the workflow's snapshots, newest first
// (GET /api/v1/workflows/:id/versions)
func (s *Server) ListVersions(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	versions, err := s.Workflows.ListVersions(c.Request().Context(), c.Param("id"), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versions)
}

// WorkflowGraph returns the stored document as a visual graph
// (GET /api/v1/workflows/:id/graph)
func (s *Server) WorkflowGraph(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	vg, err := s.Workflows.VisualGraph(c.Request().Context(), c.Param("id"), id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, vg)
}

// ExportWorkflow downloads the workflow as an importable file
// (GET /api/v1/workflows/:id/export)
func (s *Server) ExportWorkflow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	file, err := s.Workflows.Export(c.Request().Context(), c.Param("id"), id.UserID)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSONCharsetUTF8, file.Data)
}

// ToVisual converts a posted document into a visual graph
// (POST /api/v1/graph/visual)
func (s *Server) ToVisual(c echo.Context) error {
	var doc models.Document
	if err := bind(c, &doc); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, graph.Render(doc))
}

type visualDocumentRequest struct {
	Name  string             `json:"name"`
	Nodes []graph.VisualNode `json:"nodes"`
	Edges []graph.VisualEdge `json:"edges"`
}

// ToDocument converts an edited visual graph back into a document
// (POST /api/v1/graph/document)
func (s *Server) ToDocument(c echo.Context) error {
	var req visualDocumentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	doc := graph.ToDocument(req.Name, graph.VisualGraph{Nodes: req.Nodes, Edges: req.Edges})
	return c.JSON(http.StatusOK, doc)
}
