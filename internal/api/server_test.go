package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/internal/auth"
	"workflow-copilot/backend/internal/config"
	"workflow-copilot/backend/internal/logging"
	"workflow-copilot/backend/internal/repository"
	"workflow-copilot/backend/internal/services"
	"workflow-copilot/backend/pkg/models"
)

type generatorFunc func(ctx context.Context, req services.GenerationRequest) (*services.GenerationResponse, error)

func (f generatorFunc) Generate(ctx context.Context, req services.GenerationRequest) (*services.GenerationResponse, error) {
	return f(ctx, req)
}

// testIdentity stands in for auth.RequireAuth: X-Test-User becomes the caller.
func testIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if user := c.Request().Header.Get("X-Test-User"); user != "" {
			ctx := auth.WithIdentity(c.Request().Context(), auth.Identity{UserID: user, Token: "tok-" + user})
			c.SetRequest(c.Request().WithContext(ctx))
		}
		return next(c)
	}
}

func newTestServer(t *testing.T, gen services.Generator) *echo.Echo {
	t.Helper()
	store := repository.NewMemoryStore()
	return newTestServerWith(t, gen, store, store)
}

// failingCounterStore loses every token total write.
type failingCounterStore struct {
	*repository.MemoryStore
}

func (failingCounterStore) SetConversationTokens(context.Context, string, int) error {
	return errors.New("lock timeout")
}

func newTestServerWith(t *testing.T, gen services.Generator, store *repository.MemoryStore, conversationStore repository.ConversationStore) *echo.Echo {
	t.Helper()
	log := logging.Nop()
	workflows := services.NewWorkflowService(store, log)
	conversations := services.NewConversationService(conversationStore, store, log, services.ConversationOptions{DefaultMaxContextTokens: 1000})
	if gen == nil {
		gen = generatorFunc(func(context.Context, services.GenerationRequest) (*services.GenerationResponse, error) {
			return &services.GenerationResponse{Content: "ok"}, nil
		})
	}
	srv := &Server{
		Workflows:     workflows,
		Conversations: conversations,
		Chat:          services.NewChatService(conversations, workflows, gen, log, "claude-4-sonnet"),
		Models: map[string]config.ModelConfig{
			"claude-4-sonnet": {Name: "Claude 4 Sonnet", Provider: "anthropic", ContextWindow: 200000},
			"gpt-4o":          {Name: "GPT-4o", Provider: "openai", ContextWindow: 128000},
		},
		DefaultModel: "claude-4-sonnet",
	}

	e := NewEcho(log)
	e.GET("/health", echo.WrapHandler(http.HandlerFunc(NewHandler(store).HandleHealth)))
	srv.Register(e.Group("/api/v1", testIdentity))
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sampleDocument(nodes ...string) models.Document {
	doc := models.Document{Name: "Digest", Connections: models.Connections{}}
	for _, n := range nodes {
		doc.Nodes = append(doc.Nodes, models.Node{Name: n, Type: "n8n-nodes-base.set"})
	}
	return doc
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, nil)
	rec := do(t, e, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	status := decode[models.HealthStatus](t, rec)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "ok", status.Checks["store"])
}

func TestWorkflowLifecycle(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(t, e, http.MethodPost, "/api/v1/workflows", "alice", map[string]interface{}{
		"name":          "Slack Digest",
		"workflow_data": sampleDocument("Schedule"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decode[models.Workflow](t, rec)
	assert.Equal(t, models.WorkflowStatusActive, wf.Status)

	rec = do(t, e, http.MethodPatch, "/api/v1/workflows/"+wf.ID, "alice", map[string]interface{}{
		"workflow_data":   sampleDocument("Schedule", "Slack"),
		"changes_summary": []string{"added Slack"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[models.Workflow](t, rec).Document.Nodes, 2)

	rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/versions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[[]models.WorkflowVersion](t, rec)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)
	assert.Equal(t, []string{"added Slack"}, versions[0].ChangesSummary)

	rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/graph", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"label":"Slack"`)

	rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/export", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	disposition, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentDisposition))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, "slack_digest.json", params["filename"])

	rec = do(t, e, http.MethodGet, "/api/v1/workflows", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Workflow](t, rec), 1)

	rec = do(t, e, http.MethodDelete, "/api/v1/workflows/"+wf.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportFilenameIsEscaped(t *testing.T) {
	e := newTestServer(t, nil)
	for name, want := range map[string]string{
		`Say "Hi"`:    `say_"hi".json`,
		`back\slash`:  `back\slash.json`,
		"Résumé Flow": "résumé_flow.json",
	} {
		t.Run(want, func(t *testing.T) {
			rec := do(t, e, http.MethodPost, "/api/v1/workflows", "alice", map[string]interface{}{"name": name})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			wf := decode[models.Workflow](t, rec)

			rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/export", "alice", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			disposition, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentDisposition))
			require.NoError(t, err)
			assert.Equal(t, "attachment", disposition)
			assert.Equal(t, want, params["filename"])
			assert.Len(t, params, 1, "no injected parameters")
		})
	}
}

func TestAppendMessage_CounterFailureStillCreates(t *testing.T) {
	store := repository.NewMemoryStore()
	e := newTestServerWith(t, nil, store, failingCounterStore{store})

	rec := do(t, e, http.MethodPost, "/api/v1/conversations", "alice", map[string]interface{}{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[models.Conversation](t, rec)

	rec = do(t, e, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "alice", map[string]interface{}{
		"content": "hello there",
		"role":    "user",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Warning"), "token total not updated")
	msg := decode[models.Message](t, rec)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hello there", msg.Content)

	msgs, err := store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWorkflowOwnershipIsEnforced(t *testing.T) {
	e := newTestServer(t, nil)
	rec := do(t, e, http.MethodPost, "/api/v1/workflows", "alice", map[string]interface{}{"name": "Private"})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decode[models.Workflow](t, rec)

	rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "/api/v1/workflows/"+wf.ID, problem.Instance)

	rec = do(t, e, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/versions", "mallory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.WorkflowVersion](t, rec))
}

func TestValidationProblems(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(t, e, http.MethodPost, "/api/v1/workflows", "alice", map[string]interface{}{"id": "nope", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ProblemDetails](t, rec).Errors, "id must be a uuid")

	rec = do(t, e, http.MethodPost, "/api/v1/workflows", "alice", map[string]interface{}{
		"name":          "dup",
		"workflow_data": sampleDocument("A", "A"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ProblemDetails](t, rec).Errors, "duplicate node name: A")

	rec = do(t, e, http.MethodPost, "/api/v1/workflows", "alice", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodPost, "/api/v1/chat", "alice", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ProblemDetails](t, rec).Errors, "content is required")
}

func TestUnauthenticated(t *testing.T) {
	e := newTestServer(t, nil)
	rec := do(t, e, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationEndpoints(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(t, e, http.MethodPost, "/api/v1/workflows", "alice", map[string]interface{}{"name": "Target"})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decode[models.Workflow](t, rec)

	rec = do(t, e, http.MethodPost, "/api/v1/conversations", "alice", map[string]interface{}{"max_context_tokens": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[models.Conversation](t, rec)

	for _, content := range []string{"first message", "second message"} {
		rec = do(t, e, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "alice", map[string]interface{}{
			"content": content,
			"role":    "user",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Positive(t, decode[models.Message](t, rec).TokenCount, "missing token counts are estimated")
	}

	rec = do(t, e, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "alice", map[string]interface{}{
		"content": "x",
		"role":    "system",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/api/v1/conversations?orphan=true", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orphans := decode[[]models.Conversation](t, rec)
	require.Len(t, orphans, 1)
	assert.Len(t, orphans[0].Messages, 2)

	rec = do(t, e, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/context?budget=4", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	window := decode[services.ContextWindow](t, rec)
	assert.Equal(t, 4, window.Budget)
	require.Len(t, window.Messages, 1)
	assert.Equal(t, "second message", window.Messages[0].Content)

	rec = do(t, e, http.MethodPut, "/api/v1/conversations/"+conv.ID+"/workflow", "alice", map[string]interface{}{"workflow_id": wf.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	linked := decode[models.Conversation](t, rec)
	linkedID, ok := linked.Link.WorkflowID()
	assert.True(t, ok)
	assert.Equal(t, wf.ID, linkedID)

	rec = do(t, e, http.MethodGet, "/api/v1/conversations?orphan=true", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.Conversation](t, rec))

	rec = do(t, e, http.MethodPatch, "/api/v1/conversations/"+conv.ID, "alice", map[string]interface{}{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", *decode[models.Conversation](t, rec).Title)

	rec = do(t, e, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/reconcile", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e, http.MethodGet, "/api/v1/conversations/"+conv.ID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodGet, "/api/v1/conversations?orphan=maybe", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpoint(t *testing.T) {
	var credential string
	gen := generatorFunc(func(_ context.Context, req services.GenerationRequest) (*services.GenerationResponse, error) {
		credential = req.Credential
		doc := sampleDocument("Schedule", "Slack")
		return &services.GenerationResponse{Content: "Here it is", Document: &doc}, nil
	})
	e := newTestServer(t, gen)

	rec := do(t, e, http.MethodPost, "/api/v1/chat", "alice", map[string]interface{}{"content": "Build a digest"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[services.TurnResult](t, rec)
	assert.Equal(t, "tok-alice", credential)
	require.NotNil(t, res.Workflow)
	assert.Equal(t, models.MessageTypeWorkflow, res.Reply.Type)

	rec = do(t, e, http.MethodGet, "/api/v1/workflows", "alice", nil)
	assert.Len(t, decode[[]models.Workflow](t, rec), 1)
}

func TestChatEndpoint_UpstreamStatusPreserved(t *testing.T) {
	gen := generatorFunc(func(context.Context, services.GenerationRequest) (*services.GenerationResponse, error) {
		return nil, &apperr.UpstreamError{Status: http.StatusTooManyRequests, Reason: "slow down"}
	})
	e := newTestServer(t, gen)

	rec := do(t, e, http.MethodPost, "/api/v1/chat", "alice", map[string]interface{}{"content": "hello"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decode[ProblemDetails](t, rec).Detail, "slow down")

	rec = do(t, e, http.MethodGet, "/api/v1/conversations", "alice", nil)
	convs := decode[[]models.Conversation](t, rec)
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 2)
	assert.Equal(t, models.MessageTypeError, convs[0].Messages[1].Type)
}

func TestGraphCodecEndpoints(t *testing.T) {
	e := newTestServer(t, nil)
	doc := sampleDocument("A", "B")
	doc.Nodes[0].ID, doc.Nodes[1].ID = "a", "b"
	doc.Connections["A"] = models.NodeConnections{"main": {{{Node: "B", Type: "main"}, {Node: "Ghost", Type: "main"}}}}

	rec := do(t, e, http.MethodPost, "/api/v1/graph/visual", "alice", doc)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"id":"a-b-0"`)
	assert.True(t, strings.Contains(body, "Ghost"), "dangling target is reported")

	rec = do(t, e, http.MethodPost, "/api/v1/graph/document", "alice", map[string]interface{}{
		"name":  "Edited",
		"nodes": []map[string]interface{}{{"id": "a", "label": "A", "type": "t", "position": []float64{0, 0}}, {"id": "b", "label": "B", "type": "t", "position": []float64{1, 1}}},
		"edges": []map[string]interface{}{{"id": "a-b-0", "source": "a", "target": "b", "sourceHandle": map[string]interface{}{"type": "main", "index": 0}, "targetHandle": map[string]interface{}{"type": "main", "index": 0}}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[models.Document](t, rec)
	assert.Equal(t, "Edited", out.Name)
	require.Contains(t, out.Connections, "A")
	assert.Equal(t, "B", out.Connections["A"]["main"][0][0].Node)
}

func TestListModels(t *testing.T) {
	e := newTestServer(t, nil)
	rec := do(t, e, http.MethodGet, "/api/v1/models", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]interface{}](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "claude-4-sonnet", list[0]["key"])
	assert.Equal(t, true, list[0]["default"])
	assert.Equal(t, float64(200000), list[0]["context_window"])
}
