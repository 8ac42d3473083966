package engine

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// expression is a computed column backed by a compiled Lua function of row.
type expression struct {
	name string
	fn   *lua.LFunction
}

type result struct {
	schema Schema
	rows   [][]any
}

var filterOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"contains": true, "in": true,
}

// compileView checks a view config against its table and compiles expressions.
func (m *Memory) compileView(vw *view) error {
	cfg := vw.config
	known := make(map[string]bool, len(vw.table.schema)+len(cfg.Expressions))
	for _, c := range vw.table.schema {
		known[c.Name] = true
	}

	names := make([]string, 0, len(cfg.Expressions))
	for name := range cfg.Expressions {
		if known[name] {
			return errorf("expression %q shadows a table column", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn, err := m.compileExpression(cfg.Expressions[name])
		if err != nil {
			return errorf("expression %q: %v", name, err)
		}
		vw.exprs = append(vw.exprs, expression{name: name, fn: fn})
		known[name] = true
	}

	for _, c := range cfg.Columns {
		if !known[c] {
			return errorf("column %q does not exist", c)
		}
	}
	for _, f := range cfg.Filter {
		if !known[f.Column] {
			return errorf("filter column %q does not exist", f.Column)
		}
		if !filterOps[f.Op] {
			return errorf("unknown filter operator %q", f.Op)
		}
		if f.Op == "in" {
			if _, ok := f.Value.([]any); !ok {
				return errorf("filter operator \"in\" expects an array")
			}
		}
	}
	for _, s := range cfg.Sort {
		if !known[s.Column] {
			return errorf("sort column %q does not exist", s.Column)
		}
	}
	return nil
}

func (m *Memory) compileExpression(src string) (*lua.LFunction, error) {
	chunk, err := m.L.LoadString("return function(row) return (" + src + ") end")
	if err != nil {
		return nil, err
	}
	m.L.Push(chunk)
	if err := m.L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	fn, ok := ret.(*lua.LFunction)
	if !ok {
		return nil, errorf("expression did not compile to a function")
	}
	return fn, nil
}

// compute runs a view over rows. With withSchema set, expression column
// types are inferred from the results.
func (m *Memory) compute(vw *view, rows [][]any, withSchema bool) (*result, error) {
	base := vw.table.schema
	width := len(base) + len(vw.exprs)
	positions := make(map[string]int, width)
	for i, c := range base {
		positions[c.Name] = i
	}
	for i, e := range vw.exprs {
		positions[e.name] = len(base) + i
	}

	ext := make([][]any, 0, len(rows))
	for _, row := range rows {
		full := row
		if len(vw.exprs) > 0 {
			full = make([]any, width)
			copy(full, row)
			for i, e := range vw.exprs {
				v, err := m.evaluate(e, base, row)
				if err != nil {
					return nil, err
				}
				full[len(base)+i] = v
			}
		}
		if matches(vw.config.Filter, positions, full) {
			ext = append(ext, full)
		}
	}

	if len(vw.config.Sort) > 0 {
		sort.SliceStable(ext, func(i, j int) bool {
			for _, s := range vw.config.Sort {
				p := positions[s.Column]
				c := compare(ext[i][p], ext[j][p])
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	columns := vw.config.Columns
	if len(columns) == 0 {
		columns = base.Names()
		for _, e := range vw.exprs {
			columns = append(columns, e.name)
		}
	}
	res := &result{rows: make([][]any, len(ext))}
	for i, full := range ext {
		out := make([]any, len(columns))
		for c, name := range columns {
			out[c] = full[positions[name]]
		}
		res.rows[i] = out
	}
	res.schema = make(Schema, len(columns))
	for c, name := range columns {
		p := positions[name]
		if p < len(base) {
			res.schema[c] = base[p]
			continue
		}
		col := Column{Name: name, Type: TypeFloat}
		if withSchema {
			for _, row := range res.rows {
				if t, ok := typeOf(row[c]); ok {
					col.Type = t
					break
				}
			}
		}
		res.schema[c] = col
	}
	return res, nil
}

func (m *Memory) evaluate(e expression, schema Schema, row []any) (any, error) {
	arg := m.L.NewTable()
	for i, c := range schema {
		arg.RawSetString(c.Name, toLua(row[i]))
	}
	if err := m.L.CallByParam(lua.P{Fn: e.fn, NRet: 1, Protect: true}, arg); err != nil {
		return nil, errorf("expression %q: %v", e.name, err)
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	return fromLua(ret), nil
}

func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	}
	return lua.LNil
}

func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case lua.LBool:
		return bool(x)
	}
	return nil
}

func matches(filters []Filter, positions map[string]int, row []any) bool {
	for _, f := range filters {
		v := row[positions[f.Column]]
		if !match(f, v) {
			return false
		}
	}
	return true
}

func match(f Filter, v any) bool {
	switch f.Op {
	case "contains":
		s, ok := v.(string)
		sub, ok2 := f.Value.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case "in":
		for _, want := range f.Value.([]any) {
			if equal(v, want) {
				return true
			}
		}
		return false
	case "==":
		return equal(v, f.Value)
	case "!=":
		return !equal(v, f.Value)
	}
	if v == nil || f.Value == nil {
		return false
	}
	c := compare(v, f.Value)
	switch f.Op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case int64:
		return float64(x)
	}
	return v
}

func equal(a, b any) bool {
	return normalize(a) == normalize(b)
}

// compare orders nil first, then booleans, numbers and strings.
func compare(a, b any) int {
	a, b = normalize(a), normalize(b)
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

func window(rows [][]any, start, end int) [][]any {
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > len(rows) {
		end = len(rows)
	}
	if start >= end {
		return nil
	}
	return rows[start:end]
}

func writeCell(buf *bytes.Buffer, v any) {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		buf.WriteString("null")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		buf.WriteString("null")
		return
	}
	buf.Write(data)
}

func writeKey(buf *bytes.Buffer, name string) {
	data, _ := json.Marshal(name)
	buf.Write(data)
	buf.WriteByte(':')
}

// encodeRecords writes [{"col":value,...},...] with keys in column order.
func encodeRecords(schema Schema, rows [][]any) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for r, row := range rows {
		if r > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for c, col := range schema {
			if c > 0 {
				buf.WriteByte(',')
			}
			writeKey(&buf, col.Name)
			writeCell(&buf, row[c])
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// encodeColumns writes {"col":[values...],...} with keys in column order.
func encodeColumns(schema Schema, rows [][]any) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for c, col := range schema {
		if c > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, col.Name)
		buf.WriteByte('[')
		for r, row := range rows {
			if r > 0 {
				buf.WriteByte(',')
			}
			writeCell(&buf, row[c])
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func encodeCSV(schema Schema, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(schema.Names()); err != nil {
		return nil, err
	}
	record := make([]string, len(schema))
	for _, row := range rows {
		for c := range schema {
			record[c] = csvCell(row[c])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func csvCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	}
	return ""
}
