// Package api contains the HTTP handlers for the workflow copilot service
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/internal/auth"
	"workflow-copilot/backend/internal/config"
	"workflow-copilot/backend/internal/services"
)

// Logger is the subset of logging.Logger the handlers need.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Server holds the dependencies for the API server.
type Server struct {
	Workflows     *services.WorkflowService
	Conversations *services.ConversationService
	Chat          *services.ChatService
	Models        map[string]config.ModelConfig
	DefaultModel  string
}

// Register mounts every /api/v1 route on g. Authentication is applied by
// the caller.
func (s *Server) Register(g *echo.Group) {
	g.GET("/me", s.Me)

	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PATCH("/workflows/:id", s.UpdateWorkflow)
	g.PUT("/workflows/:id", s.UpdateWorkflow)
	g.DELETE("/workflows/:id", s.DeleteWorkflow)
	g.GET("/workflows/:id/versions", s.ListVersions)
	g.GET("/workflows/:id/graph", s.WorkflowGraph)
	g.GET("/workflows/:id/export", s.ExportWorkflow)

	g.POST("/graph/visual", s.ToVisual)
	g.POST("/graph/document", s.ToDocument)

	g.POST("/conversations", s.CreateConversation)
	g.GET("/conversations", s.ListConversations)
	g.GET("/conversations/:id", s.GetConversation)
	g.PATCH("/conversations/:id", s.RenameConversation)
	g.PUT("/conversations/:id/workflow", s.LinkConversation)
	g.POST("/conversations/:id/messages", s.AppendMessage)
	g.GET("/conversations/:id/context", s.ContextWindow)
	g.POST("/conversations/:id/reconcile", s.ReconcileTokens)

	g.POST("/chat", s.Send)
	g.GET("/models", s.ListModels)
}

// NewEcho returns an echo instance with the request validator and the
// problem-details error handler installed.
func NewEcho(logger Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = ErrorHandler(logger)
	return e
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, apperr.ErrAuth
	}
	return id, nil
}

// bind decodes the request body into dst and validates it.
func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return apperr.Validation("invalid request body: " + bindMessage(err))
	}
	return c.Validate(dst)
}

func bindMessage(err error) string {
	if he, ok := err.(*echo.HTTPError); ok {
		if he.Internal != nil {
			return he.Internal.Error()
		}
		if msg, ok := he.Message.(string); ok {
			return msg
		}
	}
	return err.Error()
}

// Me returns the caller's identity and the API scopes a client may request.
// (GET /api/v1/me)
func (s *Server) Me(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": id.UserID,
		"email":   id.Email,
		"scopes":  auth.APIScopes,
	})
}
