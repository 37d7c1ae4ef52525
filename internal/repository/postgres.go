package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-copilot/backend/internal/apperr"
	"workflow-copilot/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const workflowColumns = `id::text, owner_id, name, description, workflow_data, status, tags, is_public,
	ai_model_used, generation_time_ms, tokens_used, last_generated_at, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		w       models.Workflow
		data    []byte
		status  string
		model   *string
		latency *int
		tokens  *int
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Name, &w.Description, &data, &status, &w.Tags, &w.IsPublic,
		&model, &latency, &tokens, &w.LastGeneratedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &w.Document); err != nil {
		return nil, fmt.Errorf("decode workflow_data: %w", err)
	}
	w.Status = models.WorkflowStatus(status)
	if model != nil || latency != nil || tokens != nil {
		w.Generation = &models.GenerationMeta{Model: deref(model), LatencyMs: deref(latency), TokensUsed: deref(tokens)}
	}
	return &w, nil
}

// InsertWorkflow saves a workflow to the store.
func (s *PostgresStore) InsertWorkflow(ctx context.Context, w *models.Workflow) error {
	data, err := json.Marshal(w.Document)
	if err != nil {
		return fmt.Errorf("encode workflow_data: %w", err)
	}
	var model *string
	var latency, tokens *int
	if g := w.Generation; g != nil {
		model, latency, tokens = &g.Model, &g.LatencyMs, &g.TokensUsed
	}
	if w.Tags == nil {
		w.Tags = []string{}
	}
	row := s.db.QueryRow(ctx, `INSERT INTO workflows
		(id, owner_id, name, description, workflow_data, status, tags, is_public,
		 ai_model_used, generation_time_ms, tokens_used, last_generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		w.ID, w.OwnerID, w.Name, w.Description, data, string(w.Status), w.Tags, w.IsPublic,
		model, latency, tokens, w.LastGeneratedAt)
	err = row.Scan(&w.CreatedAt, &w.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Validation("workflow id already exists")
	}
	return err
}

// GetWorkflow retrieves a workflow by id within the owner's scope.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id, ownerID string) (*models.Workflow, error) {
	if !validID(id) {
		return nil, apperr.NotFound("workflow")
	}
	w, err := scanWorkflow(s.db.QueryRow(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = $1 AND owner_id = $2", id, ownerID))
	return w, notFound("workflow", err)
}

// ListWorkflows returns the owner's workflows, most recently updated first.
func (s *PostgresStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE owner_id = $1 ORDER BY updated_at DESC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows := []*models.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow overwrites the fields present in patch.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, id, ownerID string, patch models.WorkflowPatch) (*models.Workflow, error) {
	if !validID(id) {
		return nil, apperr.NotFound("workflow")
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Document != nil {
		data, err := json.Marshal(patch.Document)
		if err != nil {
			return nil, fmt.Errorf("encode workflow_data: %w", err)
		}
		set("workflow_data", data)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Tags != nil {
		set("tags", append([]string{}, (*patch.Tags)...))
	}
	if patch.IsPublic != nil {
		set("is_public", *patch.IsPublic)
	}
	if g := patch.Generation; g != nil {
		set("ai_model_used", g.Model)
		set("generation_time_ms", g.LatencyMs)
		set("tokens_used", g.TokensUsed)
		sets = append(sets, "last_generated_at = now()")
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id, ownerID)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = $%d AND owner_id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args)-1, len(args), workflowColumns)
	w, err := scanWorkflow(s.db.QueryRow(ctx, query, args...))
	return w, notFound("workflow", err)
}

// DeleteWorkflow removes a workflow; versions go with it.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id, ownerID string) error {
	if !validID(id) {
		return apperr.NotFound("workflow")
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM workflows WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("workflow")
	}
	return nil
}

// MaxVersionNumber returns the highest recorded version for a workflow.
func (s *PostgresStore) MaxVersionNumber(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(MAX(version_number), 0) FROM workflow_versions WHERE workflow_id = $1", workflowID).Scan(&n)
	return n, err
}

// InsertVersion saves a version snapshot.
func (s *PostgresStore) InsertVersion(ctx context.Context, v *models.WorkflowVersion) error {
	data, err := json.Marshal(v.Document)
	if err != nil {
		return fmt.Errorf("encode workflow_data: %w", err)
	}
	if v.ChangesSummary == nil {
		v.ChangesSummary = []string{}
	}
	return s.db.QueryRow(ctx, `INSERT INTO workflow_versions
		(workflow_id, version_number, workflow_data, changes_summary, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text, created_at`,
		v.WorkflowID, v.VersionNumber, data, v.ChangesSummary, v.CreatedBy).Scan(&v.ID, &v.CreatedAt)
}

// ListVersions returns an owned workflow's versions, newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, workflowID, ownerID string) ([]*models.WorkflowVersion, error) {
	versions := []*models.WorkflowVersion{}
	if !validID(workflowID) {
		return versions, nil
	}
	rows, err := s.db.Query(ctx, `SELECT v.id::text, v.workflow_id::text, v.version_number, v.workflow_data,
			v.changes_summary, v.created_by, v.created_at
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE v.workflow_id = $1 AND w.owner_id = $2
		ORDER BY v.version_number DESC, v.created_at DESC`, workflowID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v models.WorkflowVersion
		var data []byte
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &data, &v.ChangesSummary, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &v.Document); err != nil {
			return nil, fmt.Errorf("decode workflow_data: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

const conversationColumns = `id::text, user_id, workflow_id::text, title, total_tokens, max_context_tokens, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var workflowID *string
	if err := row.Scan(&c.ID, &c.UserID, &workflowID, &c.Title, &c.TotalTokens, &c.MaxContextTokens, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Link = models.LinkFromPtr(workflowID)
	return &c, nil
}

// InsertConversation saves a conversation; the database assigns its id.
func (s *PostgresStore) InsertConversation(ctx context.Context, c *models.Conversation) error {
	return s.db.QueryRow(ctx, `INSERT INTO conversations (user_id, workflow_id, title, total_tokens, max_context_tokens)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text, created_at, updated_at`,
		c.UserID, c.Link.Ptr(), c.Title, c.TotalTokens, c.MaxContextTokens).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// GetConversation retrieves a conversation within the user's scope.
func (s *PostgresStore) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if !validID(id) {
		return nil, apperr.NotFound("conversation")
	}
	c, err := scanConversation(s.db.QueryRow(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1 AND user_id = $2", id, userID))
	return c, notFound("conversation", err)
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]*models.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE user_id = $1"
	if filter.OrphanOnly {
		query += " AND workflow_id IS NULL"
	}
	rows, err := s.db.Query(ctx, query+" ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []*models.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// SetConversationLink points the conversation at a workflow, or at none.
func (s *PostgresStore) SetConversationLink(ctx context.Context, id, userID string, link models.WorkflowLink) (*models.Conversation, error) {
	if !validID(id) {
		return nil, apperr.NotFound("conversation")
	}
	c, err := scanConversation(s.db.QueryRow(ctx,
		"UPDATE conversations SET workflow_id = $1, updated_at = now() WHERE id = $2 AND user_id = $3 RETURNING "+conversationColumns,
		link.Ptr(), id, userID))
	return c, notFound("conversation", err)
}

// SetConversationTitle renames a conversation.
func (s *PostgresStore) SetConversationTitle(ctx context.Context, id, userID, title string) (*models.Conversation, error) {
	if !validID(id) {
		return nil, apperr.NotFound("conversation")
	}
	c, err := scanConversation(s.db.QueryRow(ctx,
		"UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2 AND user_id = $3 RETURNING "+conversationColumns,
		title, id, userID))
	return c, notFound("conversation", err)
}

// SetConversationTokens overwrites the running token total.
func (s *PostgresStore) SetConversationTokens(ctx context.Context, id string, total int) error {
	tag, err := s.db.Exec(ctx, "UPDATE conversations SET total_tokens = $1, updated_at = now() WHERE id = $2", total, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("conversation")
	}
	return nil
}

// InsertMessage saves a message; the database assigns its id and timestamp.
func (s *PostgresStore) InsertMessage(ctx context.Context, m *models.Message) error {
	var data []byte
	if m.Document != nil {
		var err error
		if data, err = json.Marshal(m.Document); err != nil {
			return fmt.Errorf("encode workflow_data: %w", err)
		}
	}
	return s.db.QueryRow(ctx, `INSERT INTO messages (conversation_id, content, role, message_type, workflow_data, token_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text, created_at`,
		m.ConversationID, m.Content, string(m.Role), string(m.Type), data, m.TokenCount).Scan(&m.ID, &m.CreatedAt)
}

// ListMessages returns the messages of the given conversations.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationIDs ...string) ([]*models.Message, error) {
	messages := []*models.Message{}
	ids := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		if validID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return messages, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id::text, conversation_id::text, content, role, message_type, workflow_data, token_count, created_at
		FROM messages WHERE conversation_id = ANY($1::uuid[]) ORDER BY created_at`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Message
		var role, typ string
		var data []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &role, &typ, &data, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role, m.Type = models.Role(role), models.MessageType(typ)
		if len(data) > 0 {
			var doc models.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("decode workflow_data: %w", err)
			}
			m.Document = &doc
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// SumMessageTokens adds up the token counts of a conversation's messages.
func (s *PostgresStore) SumMessageTokens(ctx context.Context, conversationID string) (int, error) {
	var total int
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(token_count), 0)::int FROM messages WHERE conversation_id = $1", conversationID).Scan(&total)
	return total, err
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func notFound(entity string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(entity)
	}
	return err
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
