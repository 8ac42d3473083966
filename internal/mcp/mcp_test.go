package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/manager"
)

type fakeCatalog struct {
	tables   []manager.TableInfo
	lastOpts engine.SerializeOptions
}

func (f *fakeCatalog) Tables(ctx context.Context) ([]manager.TableInfo, error) {
	return f.tables, nil
}

func (f *fakeCatalog) Table(ctx context.Context, name string) (manager.TableInfo, error) {
	for _, t := range f.tables {
		if t.Name == name {
			return t, nil
		}
	}
	return manager.TableInfo{}, &manager.Error{Code: "not-found", Message: "table \"" + name + "\" is not hosted"}
}

func (f *fakeCatalog) ViewRecords(ctx context.Context, name string, opts engine.SerializeOptions) (json.RawMessage, error) {
	f.lastOpts = opts
	if opts.Format == engine.FormatCSV {
		return json.RawMessage(`"id\n1\n"`), nil
	}
	return json.RawMessage(`[{"id":1}]`), nil
}

func (f *fakeCatalog) SessionCount() int { return 3 }

func newTestServer() (*Server, *fakeCatalog) {
	cat := &fakeCatalog{tables: []manager.TableInfo{{
		Name:   "prices",
		Size:   2,
		Index:  "id",
		Schema: engine.Schema{{Name: "id", Type: engine.TypeInteger}},
	}}}
	return NewServer(config.DefaultConfig(), cat, "test"), cat
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

func TestListTables(t *testing.T) {
	s, _ := newTestServer()
	res, err := s.listTables(context.Background(), call(nil))
	if err != nil {
		t.Fatalf("listTables: %v", err)
	}
	var got []manager.TableInfo
	if err := json.Unmarshal([]byte(text(t, res)), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(got) != 1 || got[0].Name != "prices" || got[0].Size != 2 {
		t.Errorf("unexpected tables: %+v", got)
	}
}

func TestDescribeTable(t *testing.T) {
	s, _ := newTestServer()
	res, _ := s.describeTable(context.Background(), call(map[string]any{"name": "prices"}))
	if res.IsError {
		t.Fatalf("describe failed: %s", text(t, res))
	}
	if !strings.Contains(text(t, res), `"index": "id"`) {
		t.Errorf("unexpected description: %s", text(t, res))
	}

	res, _ = s.describeTable(context.Background(), call(map[string]any{"name": "nope"}))
	if !res.IsError {
		t.Error("expected error result for unknown table")
	}

	res, _ = s.describeTable(context.Background(), call(nil))
	if !res.IsError {
		t.Error("expected error result when name is missing")
	}
}

func TestViewRecords(t *testing.T) {
	s, cat := newTestServer()
	res, _ := s.viewRecords(context.Background(), call(map[string]any{
		"name":      "v",
		"start_row": float64(1),
		"end_row":   float64(5),
	}))
	if res.IsError {
		t.Fatalf("view_records failed: %s", text(t, res))
	}
	if text(t, res) != `[{"id":1}]` {
		t.Errorf("unexpected records: %s", text(t, res))
	}
	if cat.lastOpts.StartRow != 1 || cat.lastOpts.EndRow != 5 || cat.lastOpts.Format != engine.FormatRecords {
		t.Errorf("unexpected options: %+v", cat.lastOpts)
	}

	res, _ = s.viewRecords(context.Background(), call(map[string]any{"name": "v", "format": "csv"}))
	if text(t, res) != "id\n1\n" {
		t.Errorf("csv should be returned unquoted, got %q", text(t, res))
	}

	res, _ = s.viewRecords(context.Background(), call(map[string]any{"name": "v", "format": "xml"}))
	if !res.IsError {
		t.Error("expected error result for unknown format")
	}
}

func TestSessionCount(t *testing.T) {
	s, _ := newTestServer()
	res, _ := s.sessionCount(context.Background(), call(nil))
	if text(t, res) != "3" {
		t.Errorf("session_count = %s", text(t, res))
	}
}

func TestReadTablesResource(t *testing.T) {
	s, _ := newTestServer()
	contents, err := s.readTables(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatalf("readTables: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected one resource content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || !strings.Contains(tc.Text, `"prices"`) {
		t.Errorf("unexpected resource contents: %+v", contents[0])
	}
}
