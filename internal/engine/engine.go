// Package engine defines the table engine contract consumed by the bridge and
// provides Memory, an in-memory implementation.
//
// An Engine is single-threaded and non-reentrant. Callers must never invoke
// it from two goroutines at once, and must not call back into it from an
// update or delete callback. The dispatch package is the only intended
// caller.
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TableHandle identifies a table inside one engine.
type TableHandle uint64

// ViewHandle identifies a view inside one engine.
type ViewHandle uint64

// CallbackID identifies a registered update or delete callback.
type CallbackID uint64

// Type is a column type.
type Type string

const (
	TypeInteger Type = "integer"
	TypeFloat   Type = "float"
	TypeString  Type = "string"
	TypeBoolean Type = "boolean"
)

func (t Type) valid() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeString, TypeBoolean:
		return true
	}
	return false
}

// Column is one named, typed column.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is an ordered column list. It marshals as a JSON object whose keys
// keep column order.
type Schema []Column

// Lookup returns the position of a column.
func (s Schema) Lookup(name string) (int, bool) {
	for i, c := range s {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// MarshalJSON writes {"col":"type",...} in column order.
func (s Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(c.Name)
		buf.Write(name)
		buf.WriteByte(':')
		typ, _ := json.Marshal(string(c.Type))
		buf.Write(typ)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the ordered object form written by MarshalJSON.
func (s *Schema) UnmarshalJSON(data []byte) error {
	keys, values, err := decodeObject(data)
	if err != nil {
		return err
	}
	out := make(Schema, 0, len(keys))
	for _, k := range keys {
		var typ Type
		if err := json.Unmarshal(values[k], &typ); err != nil {
			return err
		}
		out = append(out, Column{Name: k, Type: typ})
	}
	*s = out
	return nil
}

// TableOptions configures a new table. Index and Limit are mutually exclusive.
type TableOptions struct {
	Index string `json:"index,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ViewConfig configures a view: an optional filter, computed columns, sort
// and projection over one table.
type ViewConfig struct {
	Columns     []string          `json:"columns,omitempty"`
	Filter      []Filter          `json:"filter,omitempty"`
	Sort        []Sort            `json:"sort,omitempty"`
	Expressions map[string]string `json:"expressions,omitempty"`
}

// Filter is a [column, op, value] predicate.
type Filter struct {
	Column string
	Op     string
	Value  any
}

// UnmarshalJSON reads the [column, op, value] array form.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("filter must be [column, op, value], got %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &f.Column); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &f.Op); err != nil {
		return err
	}
	v, err := decodeValue(parts[2])
	if err != nil {
		return err
	}
	f.Value = v
	return nil
}

// MarshalJSON writes the [column, op, value] array form.
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.Column, f.Op, f.Value})
}

// Sort is a [column, "asc"|"desc"] ordering.
type Sort struct {
	Column string
	Desc   bool
}

// UnmarshalJSON reads the [column, direction] array form.
func (s *Sort) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("sort must be [column, direction], got %d elements", len(parts))
	}
	s.Column = parts[0]
	switch parts[1] {
	case "asc":
		s.Desc = false
	case "desc":
		s.Desc = true
	default:
		return fmt.Errorf("unknown sort direction %q", parts[1])
	}
	return nil
}

// MarshalJSON writes the [column, direction] array form.
func (s Sort) MarshalJSON() ([]byte, error) {
	dir := "asc"
	if s.Desc {
		dir = "desc"
	}
	return json.Marshal([]string{s.Column, dir})
}

// Format selects a serialization.
type Format string

const (
	FormatRecords Format = "records"
	FormatColumns Format = "columns"
	FormatCSV     Format = "csv"
)

// SerializeOptions selects the format and an optional [StartRow, EndRow) window.
// EndRow 0 means through the last row.
type SerializeOptions struct {
	Format   Format `json:"format,omitempty"`
	StartRow int    `json:"start_row,omitempty"`
	EndRow   int    `json:"end_row,omitempty"`
}

// UpdateEvent is passed to update callbacks after a table changes.
// Delta holds the changed rows as seen through the view, serialized as records.
type UpdateEvent struct {
	PortID int
	Delta  json.RawMessage
}

// UpdateFunc receives view update events.
type UpdateFunc func(UpdateEvent)

// DeleteFunc is called once when its table or view is deleted.
type DeleteFunc func()

// Engine is the table engine contract. All calls are synchronous.
type Engine interface {
	CreateTable(data json.RawMessage, opts TableOptions) (TableHandle, error)
	DeleteTable(t TableHandle) error
	Size(t TableHandle) (int, error)
	Schema(t TableHandle) (Schema, error)
	Columns(t TableHandle) ([]string, error)
	Index(t TableHandle) (string, error)
	Limit(t TableHandle) (int, error)
	Update(t TableHandle, data json.RawMessage) error
	Remove(t TableHandle, keys json.RawMessage) error
	Clear(t TableHandle) error
	Replace(t TableHandle, data json.RawMessage) error

	CreateView(t TableHandle, cfg ViewConfig) (ViewHandle, error)
	DeleteView(v ViewHandle) error
	ViewTable(v ViewHandle) (TableHandle, error)
	ViewSchema(v ViewHandle) (Schema, error)
	ViewConfig(v ViewHandle) (ViewConfig, error)
	NumRows(v ViewHandle) (int, error)
	NumColumns(v ViewHandle) (int, error)
	Serialize(v ViewHandle, opts SerializeOptions) ([]byte, error)

	OnUpdate(v ViewHandle, fn UpdateFunc) (CallbackID, error)
	OnTableDelete(t TableHandle, fn DeleteFunc) (CallbackID, error)
	OnViewDelete(v ViewHandle, fn DeleteFunc) (CallbackID, error)
	RemoveCallback(id CallbackID) error

	LoadLibrary(name, source string) error
	Close() error
}

// Error is an engine rejection. Its message is meant for clients verbatim.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}
