// Package mcp exposes read-only workflow and conversation tools over the
// Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"workflow-copilot/backend/internal/auth"
	"workflow-copilot/backend/internal/services"
)

const basePath = "/mcp"

// Authenticator resolves the caller of an MCP request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

type Server struct {
	mcpServer     *server.MCPServer
	workflows     *services.WorkflowService
	conversations *services.ConversationService
	defaultModel  string
}

func NewServer(workflows *services.WorkflowService, conversations *services.ConversationService, defaultModel string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Copilot",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows:     workflows,
		conversations: conversations,
		defaultModel:  defaultModel,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the caller's workflows, most recently updated first"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_graph",
			mcp.WithDescription("Return a workflow as a node/edge graph"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the workflow")),
		),
		s.handleWorkflowGraph,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflow_versions",
			mcp.WithDescription("List the recorded versions of a workflow, newest first"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the workflow")),
		),
		s.handleListVersions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_context_window",
			mcp.WithDescription("Preview the conversation history that fits a token budget"),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("The ID of the conversation")),
			mcp.WithString("model", mcp.Description("Model key used to size the window")),
			mcp.WithNumber("budget", mcp.Description("Explicit token budget; overrides the model window")),
		),
		s.handleContextWindow,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	workflows, err := s.workflows.List(ctx, id.UserID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	return jsonResult(workflows)
}

func (s *Server) handleWorkflowGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workflowID, ok := args["id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	vg, err := s.workflows.VisualGraph(ctx, workflowID, id.UserID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load workflow: %v", err)), nil
	}
	return jsonResult(vg)
}

func (s *Server) handleListVersions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workflowID, ok := args["id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	versions, err := s.workflows.ListVersions(ctx, workflowID, id.UserID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list versions: %v", err)), nil
	}
	return jsonResult(versions)
}

func (s *Server) handleContextWindow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Unauthenticated"), nil
	}
	args, err := arguments(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	conversationID, ok := args["conversation_id"].(string)
	if !ok || conversationID == "" {
		return mcp.NewToolResultError("Missing required parameter: conversation_id"), nil
	}
	model, _ := args["model"].(string)
	if model == "" {
		model = s.defaultModel
	}
	budget := 0
	if raw, ok := args["budget"].(float64); ok {
		if raw < 0 {
			return mcp.NewToolResultError("budget must not be negative"), nil
		}
		budget = int(raw)
	}

	window, err := s.conversations.ContextWindow(ctx, id.UserID, conversationID, model, budget)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build context window: %v", err)), nil
	}
	return jsonResult(window)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, errors.New("invalid arguments type")
	}
	return args, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp. Every request is
// authenticated before it reaches the session, and the identity travels in
// the tool call context.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer, authn Authenticator) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath(basePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.FromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			id, err := authn.Authenticate(r)
			if err != nil {
				return ctx
			}
			return auth.WithIdentity(ctx, id)
		}),
	)

	mux.HandleFunc(basePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc(basePath+"/sse", sseServer.ServeHTTP)
	mux.HandleFunc(basePath+"/message", sseServer.ServeHTTP)
}
