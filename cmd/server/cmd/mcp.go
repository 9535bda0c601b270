package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmpc-libros/server/internal/api"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the catalogue to MCP clients over stdio",
		Long: `Run a Model Context Protocol server on stdin/stdout.

Agents get read-only book tools, the API schema and inventory prompts.
Logs go to stderr so they do not corrupt the protocol stream.

Example (Claude Desktop style config):
  {"command": "server", "args": ["mcp"]}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			// stdout carries the protocol stream
			logger := config.NewLoggerTo(os.Stderr, cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(mcp.Config{
				Name:    api.ServiceName,
				Version: Version,
				BaseURL: cfg.Server.BaseURL,
				OpenAPI: api.OpenAPIJSON,
			}, a.books)
			err = mcp.ServeStdio(ctx, srv.MCPServer(), logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
