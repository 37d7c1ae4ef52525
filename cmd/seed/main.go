package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"workflow-copilot/backend/internal/auth"
	"workflow-copilot/backend/internal/config"
	"workflow-copilot/backend/internal/logging"
	"workflow-copilot/backend/internal/repository"
	"workflow-copilot/backend/internal/services"
	"workflow-copilot/backend/pkg/models"
)

func main() {
	var (
		configPath string
		owner      string
	)
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Seed a demo workflow and conversation",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, owner)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&owner, "owner", auth.DevUserID, "User id that owns the seeded data")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, owner string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return Seed(ctx, store, owner, logger)
}

const demoWorkflow = "Daily Slack Digest"

// Seed creates the demo workflow with one recorded version and a linked
// conversation. It does nothing when the owner already has the demo.
func Seed(ctx context.Context, store repository.Repository, owner string, logger *logging.Logger) error {
	workflows := services.NewWorkflowService(store, logger)
	conversations := services.NewConversationService(store, store, logger, services.ConversationOptions{})

	existing, err := workflows.List(ctx, owner)
	if err != nil {
		return fmt.Errorf("list existing workflows: %w", err)
	}
	for _, w := range existing {
		if w.Name == demoWorkflow {
			logger.Info("Skipping existing workflow", "name", w.Name, "id", w.ID)
			return nil
		}
	}

	draft := models.Document{
		Nodes: []models.Node{
			{Name: "Every Morning", Type: "n8n-nodes-base.scheduleTrigger", Position: models.Position{0, 0},
				Parameters: map[string]interface{}{"rule": map[string]interface{}{"interval": []interface{}{map[string]interface{}{"triggerAtHour": 8}}}}},
			{Name: "Fetch Issues", Type: "n8n-nodes-base.httpRequest", Position: models.Position{250, 0},
				Parameters: map[string]interface{}{"url": "https://api.github.com/repos/acme/app/issues"}},
		},
		Connections: models.Connections{
			"Every Morning": {"main": {{{Node: "Fetch Issues", Type: "main"}}}},
		},
	}
	wf, err := workflows.Create(ctx, owner, services.CreateWorkflowInput{
		Name:     demoWorkflow,
		Tags:     []string{"demo"},
		Document: draft,
	})
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	logger.Info("Seeded workflow", "name", wf.Name, "id", wf.ID)

	final := wf.Document.Clone()
	final.Nodes = append(final.Nodes, models.Node{
		Name: "Post to Slack", Type: "n8n-nodes-base.slack", Position: models.Position{500, 0},
		Parameters: map[string]interface{}{"channel": "#standup"},
	})
	final.Connections["Fetch Issues"] = models.NodeConnections{"main": {{{Node: "Post to Slack", Type: "main"}}}}
	if _, err := workflows.Update(ctx, wf.ID, owner, models.WorkflowPatch{
		Document:      &final,
		ChangeSummary: []string{"Added Slack notification"},
	}); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}

	title := "Build a morning issue digest"
	conv, err := conversations.CreateConversation(ctx, owner, services.CreateConversationInput{
		WorkflowID: wf.ID,
		Title:      &title,
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	turns := []services.AppendMessageInput{
		{Role: models.RoleUser, Content: "Every morning at 8, fetch open GitHub issues."},
		{Role: models.RoleAssistant, Content: "Here is a workflow with a schedule trigger and an HTTP request.", Document: &draft},
		{Role: models.RoleUser, Content: "Also post the result to #standup on Slack."},
		{Role: models.RoleAssistant, Content: "Added a Slack node after the HTTP request.", Document: &final},
	}
	for _, in := range turns {
		in.TokenCount = services.EstimateTokens(in.Content)
		if _, err := conversations.AppendMessage(ctx, owner, conv.ID, in); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	logger.Info("Seeded conversation", "id", conv.ID, "messages", len(turns))
	logger.Info("Seeding complete!")
	return nil
}
