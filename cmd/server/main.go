package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"workflow-copilot/backend/internal/api"
	"workflow-copilot/backend/internal/auth"
	"workflow-copilot/backend/internal/config"
	"workflow-copilot/backend/internal/logging"
	"workflow-copilot/backend/internal/mcp"
	"workflow-copilot/backend/internal/repository"
	"workflow-copilot/backend/internal/services"
	"workflow-copilot/backend/internal/tls"
)

const serviceName = "workflow-copilot"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "server",
		Short:         "Workflow copilot backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./config.yaml)")

	var migrate bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, migrate)
		},
	}
	serve.Flags().BoolVar(&migrate, "migrate", false, "Apply the database schema before serving")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}

	root.AddCommand(serve, migrateCmd)
	return root
}

func setup(configPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("Schema applied", "database", cfg.DB.Name)
	return nil
}

func runServe(ctx context.Context, configPath string, migrate bool) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Server.Store,
		"generation_provider", cfg.Generation.Provider,
		"okta_domain", cfg.Auth.OktaDomain,
	)

	store, closeStore, err := openStore(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}

	workflows := services.NewWorkflowService(store, logger)
	conversations := services.NewConversationService(store, store, logger, services.ConversationOptions{
		DefaultMaxContextTokens: cfg.Chat.DefaultMaxContextTokens,
		ModelContextWindow:      cfg.ContextWindow,
	})
	chat := services.NewChatService(conversations, workflows, generator, logger, cfg.Chat.DefaultModel)
	logger.Info("Service layer initialized")

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypassed; every request runs as " + auth.DevUserID)
	}

	e := api.NewEcho(logger)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(requestLogger(logger))

	e.GET("/health", echo.WrapHandler(http.HandlerFunc(api.NewHandler(store).HandleHealth)))
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1", echo.WrapMiddleware(authz.RequireAuth))
	if cfg.Server.RequestTimeout > 0 {
		apiGroup.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{Timeout: cfg.Server.RequestTimeout}))
	}
	(&api.Server{
		Workflows:     workflows,
		Conversations: conversations,
		Chat:          chat,
		Models:        cfg.Models,
		DefaultModel:  cfg.Chat.DefaultModel,
	}).Register(apiGroup)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(workflows, conversations, cfg.Chat.DefaultModel)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer(), authz)
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames, time.Now())
		if err != nil {
			return fmt.Errorf("prepare tls certificate: %w", err)
		}
		if generated {
			logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// openStore returns the configured repository and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger, migrate bool) (repository.Repository, func(), error) {
	switch cfg.Server.Store {
	case "memory":
		logger.Warn("Using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	case "postgres", "":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewPostgresStore(pool)
		if migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("apply schema: %w", err)
			}
			logger.Info("Schema applied")
		}
		logger.Info("Database connected")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Server.Store)
	}
}

func newGenerator(cfg *config.Config) (services.Generator, error) {
	switch cfg.Generation.Provider {
	case "http", "":
		if cfg.Generation.URL == "" {
			return nil, errors.New("generation.url is required for the http provider")
		}
		return services.NewHTTPGenerator(cfg.Generation.URL, cfg.Generation.Timeout), nil
	case "openai":
		return services.NewOpenAIGenerator(services.OpenAIOptions{
			APIKey:  cfg.Generation.APIKey,
			BaseURL: cfg.Generation.URL,
			ResolveModel: func(selector string) string {
				if m, ok := cfg.Models[selector]; ok && m.ModelID != "" {
					return m.ModelID
				}
				return selector
			},
		}), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
	}
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	})
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "database", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
