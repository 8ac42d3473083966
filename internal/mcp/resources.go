package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const tablesURI = "tablebridge://tables"

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(tablesURI, "Hosted tables",
		mcp.WithResourceDescription("Every hosted table with its schema"),
		mcp.WithMIMEType("application/json"),
	), s.readTables)
}

func (s *Server) readTables(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	tables, err := s.catalog.Tables(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tables)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      tablesURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
