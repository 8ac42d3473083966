// Package mcp exposes a read-only admin surface over the Model Context
// Protocol: hosted tables, their schemas and the rows of hosted views.
package mcp

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/manager"
)

// Catalog is what the admin surface reads. *manager.Manager implements it.
type Catalog interface {
	Tables(ctx context.Context) ([]manager.TableInfo, error)
	Table(ctx context.Context, name string) (manager.TableInfo, error)
	ViewRecords(ctx context.Context, name string, opts engine.SerializeOptions) (json.RawMessage, error)
	SessionCount() int
}

// Server wraps an MCP server bound to a catalog.
type Server struct {
	cfg     *config.Config
	catalog Catalog
	mcp     *server.MCPServer
}

// NewServer creates the MCP server and registers its tools and resources.
func NewServer(cfg *config.Config, catalog Catalog, version string) *Server {
	s := &Server{
		cfg:     cfg,
		catalog: catalog,
		mcp: server.NewMCPServer("tablebridge", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in and out until ctx is done or in reaches EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.cfg.Log(0, "Starting MCP server on stdio...")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
