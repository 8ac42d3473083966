package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zot/tablebridge/internal/engine"
)

// Command is a decoded request. The concrete types below are the only
// implementations.
type Command interface {
	command()
}

// Target names a hosted table or view.
type Target struct {
	Kind Kind
	Name string
}

func (t Target) String() string {
	return fmt.Sprintf("%s %q", t.Kind, t.Name)
}

// CreateTable creates and hosts a table under Name.
type CreateTable struct {
	Name    string
	Data    json.RawMessage
	Options engine.TableOptions
}

// CreateView creates a view of Table. An empty ViewName is replaced by a
// generated one.
type CreateView struct {
	Table    string
	Config   engine.ViewConfig
	ViewName string
}

// TableMethod is a method callable on a table.
type TableMethod string

const (
	TableSchema   TableMethod = "schema"
	TableSize     TableMethod = "size"
	TableColumns  TableMethod = "columns"
	TableUpdate   TableMethod = "update"
	TableRemove   TableMethod = "remove"
	TableClear    TableMethod = "clear"
	TableReplace  TableMethod = "replace"
	TableGetIndex TableMethod = "get_index"
	TableGetLimit TableMethod = "get_limit"
)

var tableMethods = map[TableMethod]bool{
	TableSchema: true, TableSize: true, TableColumns: true, TableUpdate: true,
	TableRemove: true, TableClear: true, TableReplace: true,
	TableGetIndex: true, TableGetLimit: true,
}

// ViewMethod is a method callable on a view.
type ViewMethod string

const (
	ViewToRecords  ViewMethod = "to_records"
	ViewToColumns  ViewMethod = "to_columns"
	ViewToCSV      ViewMethod = "to_csv"
	ViewSchema     ViewMethod = "schema"
	ViewNumRows    ViewMethod = "num_rows"
	ViewNumColumns ViewMethod = "num_columns"
	ViewGetConfig  ViewMethod = "get_config"
)

var viewMethods = map[ViewMethod]bool{
	ViewToRecords: true, ViewToColumns: true, ViewToCSV: true, ViewSchema: true,
	ViewNumRows: true, ViewNumColumns: true, ViewGetConfig: true,
}

// TableCall invokes Method on a hosted table. Data is the row or key payload
// of update, remove and replace.
type TableCall struct {
	Name   string
	Method TableMethod
	Data   json.RawMessage
}

// ViewCall invokes Method on a hosted view. Window bounds serialization.
type ViewCall struct {
	Name   string
	Method ViewMethod
	Window engine.SerializeOptions
}

// Event names accepted by subscribe and unsubscribe.
const (
	OnUpdate = "on_update"
	OnDelete = "on_delete"
)

// Mode selects what update pushes carry.
type Mode string

const (
	ModeNone Mode = ""
	ModeRow  Mode = "row"
)

// Subscribe registers the request id for pushes on Target.
type Subscribe struct {
	Target Target
	Event  string
	Mode   Mode
}

// Unsubscribe cancels the subscription made by request SubscriptionID.
type Unsubscribe struct {
	Target         Target
	Event          string
	SubscriptionID int64
}

// Delete removes a hosted table or view.
type Delete struct {
	Target Target
}

func (CreateTable) command() {}
func (CreateView) command()  {}
func (TableCall) command()   {}
func (ViewCall) command()    {}
func (Subscribe) command()   {}
func (Unsubscribe) command() {}
func (Delete) command()      {}

// Parse decodes req into its command.
func Parse(req *Request) (Command, error) {
	fail := func(format string, args ...any) error {
		return &Error{ID: req.ID, Message: fmt.Sprintf(format, args...)}
	}
	kind := req.Kind
	if kind == "" {
		kind = KindView
	}
	if kind != KindTable && kind != KindView {
		return nil, fail("unknown kind %q", req.Kind)
	}
	if req.Name == "" {
		return nil, fail("%s requires a name", req.Cmd)
	}
	target := Target{Kind: kind, Name: req.Name}

	switch req.Cmd {
	case CmdTable:
		cmd := CreateTable{Name: req.Name, Data: arg(req, 0)}
		if cmd.Data == nil {
			return nil, fail("table requires data")
		}
		if opts := arg(req, 1); opts != nil {
			if err := json.Unmarshal(opts, &cmd.Options); err != nil {
				return nil, fail("invalid table options: %v", err)
			}
		}
		return cmd, nil

	case CmdView:
		cmd := CreateView{Table: req.Name}
		if cfg := arg(req, 0); cfg != nil {
			if err := json.Unmarshal(cfg, &cmd.Config); err != nil {
				return nil, fail("invalid view config: %v", err)
			}
		}
		if name := arg(req, 1); name != nil {
			if err := json.Unmarshal(name, &cmd.ViewName); err != nil {
				return nil, fail("view name must be a string")
			}
		}
		return cmd, nil

	case CmdMethod:
		if kind == KindTable {
			m := TableMethod(req.Method)
			if !tableMethods[m] {
				return nil, fail("unknown table method %q", req.Method)
			}
			cmd := TableCall{Name: req.Name, Method: m}
			switch m {
			case TableUpdate, TableRemove, TableReplace:
				if cmd.Data = arg(req, 0); cmd.Data == nil {
					return nil, fail("%s requires an argument", m)
				}
			}
			return cmd, nil
		}
		m := ViewMethod(req.Method)
		if !viewMethods[m] {
			return nil, fail("unknown view method %q", req.Method)
		}
		cmd := ViewCall{Name: req.Name, Method: m}
		switch m {
		case ViewToRecords:
			cmd.Window.Format = engine.FormatRecords
		case ViewToColumns:
			cmd.Window.Format = engine.FormatColumns
		case ViewToCSV:
			cmd.Window.Format = engine.FormatCSV
		}
		if w := arg(req, 0); w != nil && cmd.Window.Format != "" {
			var window struct {
				StartRow int `json:"start_row"`
				EndRow   int `json:"end_row"`
			}
			if err := json.Unmarshal(w, &window); err != nil {
				return nil, fail("invalid window: %v", err)
			}
			cmd.Window.StartRow, cmd.Window.EndRow = window.StartRow, window.EndRow
		}
		return cmd, nil

	case CmdSubscribe:
		switch req.Method {
		case OnUpdate:
			if kind != KindView {
				return nil, fail("on_update is only available on views")
			}
		case OnDelete:
		default:
			return nil, fail("unknown event %q", req.Method)
		}
		cmd := Subscribe{Target: target, Event: req.Method}
		if opts := arg(req, 0); opts != nil {
			var o struct {
				Mode Mode `json:"mode"`
			}
			if err := json.Unmarshal(opts, &o); err != nil {
				return nil, fail("invalid subscribe options: %v", err)
			}
			if o.Mode != ModeNone && o.Mode != ModeRow {
				return nil, fail("unknown mode %q", o.Mode)
			}
			cmd.Mode = o.Mode
		}
		return cmd, nil

	case CmdUnsubscribe:
		if req.Method != OnUpdate && req.Method != OnDelete {
			return nil, fail("unknown event %q", req.Method)
		}
		cmd := Unsubscribe{Target: target, Event: req.Method}
		id := arg(req, 0)
		if id == nil {
			return nil, fail("unsubscribe requires a subscription id")
		}
		if err := json.Unmarshal(id, &cmd.SubscriptionID); err != nil {
			return nil, fail("subscription id must be an integer")
		}
		return cmd, nil

	case CmdDelete:
		return Delete{Target: target}, nil
	}
	return nil, fail("unknown cmd %q", req.Cmd)
}

// arg returns args[i], or nil when absent or JSON null.
func arg(req *Request, i int) json.RawMessage {
	if i >= len(req.Args) {
		return nil
	}
	a := req.Args[i]
	if len(a) == 0 || bytes.Equal(bytes.TrimSpace(a), []byte("null")) {
		return nil
	}
	return a
}
