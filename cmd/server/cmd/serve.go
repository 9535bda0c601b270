package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmpc-libros/server/internal/api"
	"github.com/cmpc-libros/server/internal/api/handlers"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/mcp"
	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/cmpc-libros/server/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	host string
	port int
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server and begin accepting requests.

The server will:
- Load configuration from environment variables (and --config if given)
- Create or promote the ADMIN_EMAIL account when ADMIN_* is set
- Start the background job workers when JOBS_ENABLED is true
- Serve the REST API, /metrics and, when MCP_ENABLED, /api/mcp
- Shut down gracefully on SIGINT/SIGTERM

Examples:
  # Start with configuration from the environment
  server serve

  # Listen on a specific host and port
  server serve --host 127.0.0.1 --port 8080

  # Read defaults from a file and log at debug level
  server serve --config ./config.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(global, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "server host address (default: 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "server port (default: 3000)")
	return cmd
}

func runServer(global *globalOptions, opts *serveOptions) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("version", Version).Str("environment", cfg.Environment).Msg("starting inventory server")
	metrics.Init(Version, GitCommit, BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		logger.Error().Err(err).Msg("tracing disabled")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	a, err := newApp(startCtx, cfg, logger, appOptions{enqueueJobs: cfg.Jobs.Enabled})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.bootstrapAdmin(startCtx); err != nil {
		logger.Error().Err(err).Msg("admin bootstrap failed")
	}

	if err := metrics.RegisterPool(a.pool); err != nil {
		logger.Warn().Err(err).Msg("pool metrics not registered")
	}

	if cfg.Jobs.Enabled {
		riverClient, err := a.newJobClient(metrics.NewRiverMetricsHook())
		if err != nil {
			return fmt.Errorf("create job client: %w", err)
		}
		if err := riverClient.Start(ctx); err != nil {
			return fmt.Errorf("job workers failed to start: %w", err)
		}
		logger.Info().Msg("job workers started")
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("job workers shutdown error")
				return
			}
			logger.Info().Msg("job workers stopped")
		}()
	}

	health := handlers.NewHealthChecker(a.pool, Version, GitCommit).WithJobs(cfg.Jobs.Enabled)
	if a.redis != nil {
		health = health.WithRevocations(a.redis)
	}

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer(mcp.Config{
			Name:    api.ServiceName,
			Version: Version,
			BaseURL: cfg.Server.BaseURL,
			OpenAPI: api.OpenAPIJSON,
		}, a.books)
		mcpHandler = mcp.NewStreamableHTTPHandler(mcpServer.MCPServer())
	}

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Logger:    logger,
		Books:     a.books,
		Users:     a.users,
		JWT:       a.jwt,
		Audit:     a.audit,
		Health:    health,
		MCP:       mcpHandler,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	})
	defer router.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // CSV exports stream for a while
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	return gracefulShutdown(ctx, server, serveErr, logger)
}

// gracefulShutdown waits for ctx to end or the listener to fail, then
// drains in-flight requests.
func gracefulShutdown(ctx context.Context, server *http.Server, serveErr <-chan error, logger zerolog.Logger) error {
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
