package mcp

import (
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/mcp/prompts"
	"github.com/cmpc-libros/server/internal/mcp/resources"
	"github.com/cmpc-libros/server/internal/mcp/tools"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with the catalogue services.
type Server struct {
	mcp          *mcpserver.MCPServer
	booksService *books.Service
	cfg          Config
}

type Config struct {
	Name    string
	Version string
	BaseURL string
	// OpenAPI renders the REST API description served as schema://openapi.
	OpenAPI resources.OpenAPILoader
}

// NewServer builds an MCP server exposing read-only book tools, the API
// schema and a couple of inventory prompts.
func NewServer(cfg Config, booksService *books.Service) *Server {
	mcpServer := mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Book inventory server: search the catalogue, fetch books by id and read stock statistics."),
	)

	srv := &Server{mcp: mcpServer, booksService: booksService, cfg: cfg}
	srv.registerTools()
	srv.registerResources()
	srv.registerPrompts()
	return srv
}

// MCPServer returns the underlying server for use with transports.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

func (s *Server) registerTools() {
	bookTools := tools.NewBookTools(s.booksService)
	s.mcp.AddTool(bookTools.ListBooksTool(), bookTools.ListBooksHandler)
	s.mcp.AddTool(bookTools.GetBookTool(), bookTools.GetBookHandler)
	s.mcp.AddTool(bookTools.BookStatsTool(), bookTools.BookStatsHandler)
}

func (s *Server) registerResources() {
	schema := resources.NewSchemaResources(s.cfg.OpenAPI)
	s.mcp.AddResource(schema.OpenAPIResource(), schema.OpenAPIReadHandler())
	s.mcp.AddResource(schema.GenresResource(), schema.GenresReadHandler())
	s.mcp.AddResource(schema.InfoResource(), schema.InfoReadHandler(resources.ServerInfo{
		Name:         s.cfg.Name,
		Version:      s.cfg.Version,
		BaseURL:      s.cfg.BaseURL,
		Capabilities: resources.ServerCapabilities{Tools: true, Resources: true, Prompts: true},
	}))
}

func (s *Server) registerPrompts() {
	templates := prompts.NewPromptTemplates()
	s.mcp.AddPrompt(templates.RestockReportPrompt(), templates.RestockReportHandler)
	s.mcp.AddPrompt(templates.CatalogueSummaryPrompt(), templates.CatalogueSummaryHandler)
}
