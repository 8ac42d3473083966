package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// decodeObject decodes a JSON object keeping key order.
func decodeObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}
	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// decodeValue decodes a scalar keeping numbers as json.Number.
func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// input is table data normalized to named columns and rows. present marks
// which cells were supplied, so partial updates can leave other cells alone.
type input struct {
	names   []string
	rows    [][]any
	present [][]bool
	schema  Schema // set only when the input was a schema object
}

func firstByte(data []byte) byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// parseInput accepts a schema object, column-oriented data or records.
func parseInput(data json.RawMessage) (*input, error) {
	switch firstByte(data) {
	case '{':
		return parseObjectInput(data)
	case '[':
		return parseRecords(data)
	default:
		return nil, errorf("table data must be a schema, columns object or records array")
	}
}

func parseObjectInput(data json.RawMessage) (*input, error) {
	keys, values, err := decodeObject(data)
	if err != nil {
		return nil, errorf("invalid table data: %v", err)
	}
	if len(keys) == 0 {
		return nil, errorf("table data has no columns")
	}
	isSchema := firstByte(values[keys[0]]) == '"'
	if isSchema {
		in := &input{names: keys}
		for _, k := range keys {
			if firstByte(values[k]) != '"' {
				return nil, errorf("schema column %q must name a type", k)
			}
			var typ Type
			if err := json.Unmarshal(values[k], &typ); err != nil {
				return nil, errorf("schema column %q: %v", k, err)
			}
			if !typ.valid() {
				return nil, errorf("unknown type %q for column %q", typ, k)
			}
			in.schema = append(in.schema, Column{Name: k, Type: typ})
		}
		return in, nil
	}

	columns := make([][]any, len(keys))
	length := 0
	for i, k := range keys {
		if firstByte(values[k]) != '[' {
			return nil, errorf("column %q must be an array", k)
		}
		var cells []json.RawMessage
		if err := json.Unmarshal(values[k], &cells); err != nil {
			return nil, errorf("column %q: %v", k, err)
		}
		for _, c := range cells {
			v, err := decodeValue(c)
			if err != nil {
				return nil, errorf("column %q: %v", k, err)
			}
			columns[i] = append(columns[i], v)
		}
		if len(cells) > length {
			length = len(cells)
		}
	}
	in := &input{names: keys}
	for r := 0; r < length; r++ {
		row := make([]any, len(keys))
		present := make([]bool, len(keys))
		for c := range keys {
			if r < len(columns[c]) {
				row[c] = columns[c][r]
				present[c] = true
			}
		}
		in.rows = append(in.rows, row)
		in.present = append(in.present, present)
	}
	return in, nil
}

func parseRecords(data json.RawMessage) (*input, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errorf("invalid records: %v", err)
	}
	in := &input{}
	position := make(map[string]int)
	type cell struct {
		col int
		v   any
	}
	var parsed [][]cell
	for _, rec := range records {
		keys, values, err := decodeObject(rec)
		if err != nil {
			return nil, errorf("invalid record: %v", err)
		}
		var cells []cell
		for _, k := range keys {
			col, ok := position[k]
			if !ok {
				col = len(in.names)
				position[k] = col
				in.names = append(in.names, k)
			}
			v, err := decodeValue(values[k])
			if err != nil {
				return nil, errorf("record column %q: %v", k, err)
			}
			cells = append(cells, cell{col: col, v: v})
		}
		parsed = append(parsed, cells)
	}
	for _, cells := range parsed {
		row := make([]any, len(in.names))
		present := make([]bool, len(in.names))
		for _, c := range cells {
			row[c.col] = c.v
			present[c.col] = true
		}
		in.rows = append(in.rows, row)
		in.present = append(in.present, present)
	}
	return in, nil
}

// inferSchema derives column types from the values in data.
func inferSchema(in *input) (Schema, error) {
	schema := make(Schema, len(in.names))
	for c, name := range in.names {
		var typ Type
		for _, row := range in.rows {
			t, ok := typeOf(row[c])
			if !ok {
				continue
			}
			switch {
			case typ == "":
				typ = t
			case typ == t:
			case (typ == TypeInteger && t == TypeFloat) || (typ == TypeFloat && t == TypeInteger):
				typ = TypeFloat
			default:
				return nil, errorf("column %q mixes %s and %s values", name, typ, t)
			}
		}
		if typ == "" {
			typ = TypeString
		}
		schema[c] = Column{Name: name, Type: typ}
	}
	return schema, nil
}

func typeOf(v any) (Type, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return TypeFloat, true
		}
		return TypeInteger, true
	case string:
		return TypeString, true
	case bool:
		return TypeBoolean, true
	case int64:
		return TypeInteger, true
	case float64:
		return TypeFloat, true
	}
	return "", false
}

// coerce converts a decoded value to the storage form of a column type.
func coerce(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case TypeInteger:
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			f, err := x.Float64()
			if err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		}
	case TypeFloat:
		switch x := v.(type) {
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, nil
			}
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, errorf("column %q expects %s, got %v", col.Name, col.Type, v)
}
