package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/internal/config"
	"workflow-copilot/backend/internal/services"
)

type renameRequest struct {
	Title string `json:"title" validate:"required"`
}

type linkRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required,uuid"`
}

// CreateConversation starts a conversation
// (POST /api/v1/conversations)
func (s *Server) CreateConversation(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var in services.CreateConversationInput
	if err := bind(c, &in); err != nil {
		return err
	}
	conv, err := s.Conversations.CreateConversation(c.Request().Context(), id.UserID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, conv)
}

// ListConversations returns the caller's conversations with messages;
// ?orphan=true keeps only those not linked to a workflow
// (GET /api/v1/conversations)
func (s *Server) ListConversations(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	orphan := false
	if raw := c.QueryParam("orphan"); raw != "" {
		if orphan, err = strconv.ParseBool(raw); err != nil {
			return apperr.Validation("orphan must be a boolean")
		}
	}
	ctx := c.Request().Context()
	list := s.Conversations.ListByOwner
	if orphan {
		list = s.Conversations.ListOrphan
	}
	convs, err := list(ctx, id.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convs)
}

// GetConversation returns one conversation with its messages
// (GET /api/v1/conversations/:id)
func (s *Server) GetConversation(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	conv, err := s.Conversations.Get(c.Request().Context(), id.UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

// RenameConversation sets the conversation title
// (PATCH /api/v1/conversations/:id)
func (s *Server) RenameConversation(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req renameRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := s.Conversations.Rename(c.Request().Context(), id.UserID, c.Param("id"), req.Title)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

// LinkConversation attaches the conversation to a workflow
// (PUT /api/v1/conversations/:id/workflow)
func (s *Server) LinkConversation(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req linkRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := s.Conversations.LinkToWorkflow(c.Request().Context(), id.UserID, c.Param("id"), req.WorkflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

const (
	headerWarning     = "Warning"
	tokenTotalWarning = `199 - "conversation token total not updated"`
)

// AppendMessage adds a message without calling the generator
// (POST /api/v1/conversations/:id/messages). A stored message whose token
// total could not be updated is still created; the response carries a
// Warning header and ReconcileTokens repairs the total.
func (s *Server) AppendMessage(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var in services.AppendMessageInput
	if err := bind(c, &in); err != nil {
		return err
	}
	if in.TokenCount == 0 {
		in.TokenCount = services.EstimateTokens(in.Content)
	}
	msg, err := s.Conversations.AppendMessage(c.Request().Context(), id.UserID, c.Param("id"), in)
	if err != nil && msg == nil {
		return err
	}
	if err != nil {
		c.Response().Header().Set(headerWarning, tokenTotalWarning)
	}
	return c.JSON(http.StatusCreated, msg)
}

// ContextWindow previews the history a turn would send
// (GET /api/v1/conversations/:id/context?model=&budget=)
func (s *Server) ContextWindow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	budget := 0
	if raw := c.QueryParam("budget"); raw != "" {
		if budget, err = strconv.Atoi(raw); err != nil || budget < 0 {
			return apperr.Validation("budget must be a non-negative integer")
		}
	}
	model := c.QueryParam("model")
	if model == "" {
		model = s.DefaultModel
	}
	window, err := s.Conversations.ContextWindow(c.Request().Context(), id.UserID, c.Param("id"), model, budget)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, window)
}

// ReconcileTokens recomputes the conversation's token total
// (POST /api/v1/conversations/:id/reconcile)
func (s *Server) ReconcileTokens(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	conv, err := s.Conversations.ReconcileTokens(c.Request().Context(), id.UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

// Send runs one chat turn
// (POST /api/v1/chat)
func (s *Server) Send(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req services.TurnRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.Chat.Send(c.Request().Context(), id.UserID, id.Token, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type modelInfo struct {
	Key string `json:"key"`
	config.ModelConfig
	Default bool `json:"default"`
}

// ListModels returns the selectable generation models
// (GET /api/v1/models)
func (s *Server) ListModels(c echo.Context) error {
	out := make([]modelInfo, 0, len(s.Models))
	for key, m := range s.Models {
		out = append(out, modelInfo{Key: key, ModelConfig: m, Default: key == s.DefaultModel})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return c.JSON(http.StatusOK, out)
}
