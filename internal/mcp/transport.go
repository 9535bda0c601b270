// Package mcp serves the catalogue to Model Context Protocol clients.
package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// HTTPPath is where the streamable HTTP transport is mounted in the API.
const HTTPPath = "/api/mcp"

// ServeStdio serves MCP over stdin/stdout until ctx is cancelled or the
// client disconnects.
func ServeStdio(ctx context.Context, mcpServer *server.MCPServer, logger zerolog.Logger) error {
	logger.Info().Msg("starting MCP server with stdio transport")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ServeStdio(mcpServer); err != nil {
			errCh <- fmt.Errorf("stdio server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("context cancelled, stdio server stopping")
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// NewStreamableHTTPHandler creates a streamable HTTP MCP handler for embedding
// behind the API's authentication middleware.
func NewStreamableHTTPHandler(mcpServer *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(mcpServer)
}
