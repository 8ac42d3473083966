package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/tablebridge/internal/engine"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_tables",
		mcp.WithDescription("List hosted tables with their size, index, limit and linked views"),
	), s.listTables)

	s.mcp.AddTool(mcp.NewTool("describe_table",
		mcp.WithDescription("Describe one hosted table"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Hosted table name")),
	), s.describeTable)

	s.mcp.AddTool(mcp.NewTool("view_records",
		mcp.WithDescription("Serialize rows of a hosted view"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Hosted view name")),
		mcp.WithString("format", mcp.Description("records (default), columns or csv")),
		mcp.WithNumber("start_row", mcp.Description("First row, inclusive")),
		mcp.WithNumber("end_row", mcp.Description("Last row, exclusive; 0 for all")),
	), s.viewRecords)

	s.mcp.AddTool(mcp.NewTool("session_count",
		mcp.WithDescription("Number of open client sessions"),
	), s.sessionCount)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorFromErr("encoding result", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) listTables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tables, err := s.catalog.Tables(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if tables == nil {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(tables)
}

func (s *Server) describeTable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := s.catalog.Table(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info)
}

func (s *Server) viewRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := engine.SerializeOptions{
		Format:   engine.Format(req.GetString("format", string(engine.FormatRecords))),
		StartRow: req.GetInt("start_row", 0),
		EndRow:   req.GetInt("end_row", 0),
	}
	switch opts.Format {
	case engine.FormatRecords, engine.FormatColumns, engine.FormatCSV:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", opts.Format)), nil
	}
	data, err := s.catalog.ViewRecords(ctx, name, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.Format == engine.FormatCSV {
		var text string
		if json.Unmarshal(data, &text) == nil {
			return mcp.NewToolResultText(text), nil
		}
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) sessionCount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(fmt.Sprint(s.catalog.SessionCount())), nil
}
