package engine

import (
	"encoding/json"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// Memory is an in-memory Engine. Like any Engine it must only be used from
// one goroutine; calls made from inside a callback are rejected.
type Memory struct {
	L         *lua.LState
	libraries map[string]bool
	tables    map[TableHandle]*table
	views     map[ViewHandle]*view
	callbacks map[CallbackID]*callback
	nextID    uint64
	active    bool
	closed    bool
}

type table struct {
	handle   TableHandle
	schema   Schema
	index    string
	indexCol int
	limit    int
	rows     [][]any
	keys     map[any]int // index key -> row position
	written  int         // rows ever written, for limit tables
	views    map[ViewHandle]*view
	onDelete []CallbackID
	deleted  bool
}

type view struct {
	handle   ViewHandle
	table    *table
	config   ViewConfig
	exprs    []expression
	onUpdate []CallbackID
	onDelete []CallbackID
}

type callback struct {
	id       CallbackID
	update   UpdateFunc
	remove   DeleteFunc
	view     ViewHandle
	table    TableHandle
	isUpdate bool
}

var _ Engine = (*Memory)(nil)

// NewMemory creates an empty engine with its own Lua state.
func NewMemory() *Memory {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	return &Memory{
		L:         L,
		libraries: make(map[string]bool),
		tables:    make(map[TableHandle]*table),
		views:     make(map[ViewHandle]*view),
		callbacks: make(map[CallbackID]*callback),
	}
}

// enter guards against reentrant and post-close calls.
func (m *Memory) enter() error {
	if m.closed {
		return errorf("engine is closed")
	}
	if m.active {
		return errorf("engine is not reentrant")
	}
	m.active = true
	return nil
}

func (m *Memory) leave() {
	m.active = false
}

func (m *Memory) next() uint64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) table(t TableHandle) (*table, error) {
	tbl, ok := m.tables[t]
	if !ok {
		return nil, errorf("table %d does not exist", t)
	}
	return tbl, nil
}

func (m *Memory) view(v ViewHandle) (*view, error) {
	vw, ok := m.views[v]
	if !ok {
		return nil, errorf("view %d does not exist", v)
	}
	if vw.table.deleted {
		return nil, errorf("view %d is stale: its table was deleted", v)
	}
	return vw, nil
}

// CreateTable creates a table from a schema, columns or records.
func (m *Memory) CreateTable(data json.RawMessage, opts TableOptions) (TableHandle, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()

	if opts.Index != "" && opts.Limit > 0 {
		return 0, errorf("index and limit cannot both be set")
	}
	if opts.Limit < 0 {
		return 0, errorf("limit must not be negative")
	}
	in, err := parseInput(data)
	if err != nil {
		return 0, err
	}
	schema := in.schema
	if schema == nil {
		if schema, err = inferSchema(in); err != nil {
			return 0, err
		}
	}
	tbl := &table{
		handle:   TableHandle(m.next()),
		schema:   schema,
		index:    opts.Index,
		indexCol: -1,
		limit:    opts.Limit,
		keys:     make(map[any]int),
		views:    make(map[ViewHandle]*view),
	}
	if opts.Index != "" {
		col, ok := schema.Lookup(opts.Index)
		if !ok {
			return 0, errorf("index column %q does not exist", opts.Index)
		}
		tbl.indexCol = col
	}
	if in.schema == nil {
		if _, err := tbl.apply(in); err != nil {
			return 0, err
		}
	}
	m.tables[tbl.handle] = tbl
	return tbl.handle, nil
}

// DeleteTable fires the table's delete callbacks and removes it. Views of
// the table are left in place but become stale.
func (m *Memory) DeleteTable(t TableHandle) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	tbl.deleted = true
	delete(m.tables, t)
	for _, id := range tbl.onDelete {
		if cb, ok := m.callbacks[id]; ok {
			delete(m.callbacks, id)
			cb.remove()
		}
	}
	tbl.onDelete = nil
	return nil
}

// Size returns the number of rows in a table.
func (m *Memory) Size(t TableHandle) (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return 0, err
	}
	return len(tbl.rows), nil
}

// Schema returns a table's columns.
func (m *Memory) Schema(t TableHandle) (Schema, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	return append(Schema(nil), tbl.schema...), nil
}

// Columns returns a table's column names.
func (m *Memory) Columns(t TableHandle) ([]string, error) {
	schema, err := m.Schema(t)
	if err != nil {
		return nil, err
	}
	return schema.Names(), nil
}

// Index returns the index column name, empty for unindexed tables.
func (m *Memory) Index(t TableHandle) (string, error) {
	if err := m.enter(); err != nil {
		return "", err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return "", err
	}
	return tbl.index, nil
}

// Limit returns the row limit, 0 for unlimited tables.
func (m *Memory) Limit(t TableHandle) (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return 0, err
	}
	return tbl.limit, nil
}

// Update writes rows into a table and notifies its views.
func (m *Memory) Update(t TableHandle, data json.RawMessage) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	in, err := parseInput(data)
	if err != nil {
		return err
	}
	if in.schema != nil {
		return errorf("update requires rows, not a schema")
	}
	changed, err := tbl.apply(in)
	if err != nil {
		return err
	}
	m.notify(tbl, changed)
	return nil
}

// Remove deletes rows by index key.
func (m *Memory) Remove(t TableHandle, keys json.RawMessage) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	if tbl.index == "" {
		return errorf("remove requires an indexed table")
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(keys, &raw); err != nil {
		return errorf("remove expects an array of keys: %v", err)
	}
	drop := make(map[int]bool)
	for _, r := range raw {
		v, err := decodeValue(r)
		if err != nil {
			return errorf("invalid key: %v", err)
		}
		key, err := coerce(tbl.schema[tbl.indexCol], v)
		if err != nil {
			return err
		}
		if pos, ok := tbl.keys[key]; ok {
			drop[pos] = true
		}
	}
	if len(drop) == 0 {
		return nil
	}
	kept := tbl.rows[:0]
	for pos, row := range tbl.rows {
		if !drop[pos] {
			kept = append(kept, row)
		}
	}
	tbl.rows = kept
	tbl.reindex()
	m.notify(tbl, nil)
	return nil
}

// Clear removes every row.
func (m *Memory) Clear(t TableHandle) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	tbl.clear()
	m.notify(tbl, nil)
	return nil
}

// Replace clears the table and writes data, notifying views once.
func (m *Memory) Replace(t TableHandle, data json.RawMessage) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	in, err := parseInput(data)
	if err != nil {
		return err
	}
	if in.schema != nil {
		return errorf("replace requires rows, not a schema")
	}
	saved, savedWritten := tbl.rows, tbl.written
	tbl.clear()
	changed, err := tbl.apply(in)
	if err != nil {
		tbl.rows, tbl.written = saved, savedWritten
		tbl.reindex()
		return err
	}
	m.notify(tbl, changed)
	return nil
}

// CreateView creates a view over a table.
func (m *Memory) CreateView(t TableHandle, cfg ViewConfig) (ViewHandle, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return 0, err
	}
	vw := &view{table: tbl, config: cfg}
	if err := m.compileView(vw); err != nil {
		return 0, err
	}
	vw.handle = ViewHandle(m.next())
	m.views[vw.handle] = vw
	tbl.views[vw.handle] = vw
	return vw.handle, nil
}

// DeleteView fires the view's delete callbacks and drops all its callbacks.
// Stale views can still be deleted.
func (m *Memory) DeleteView(v ViewHandle) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	vw, ok := m.views[v]
	if !ok {
		return errorf("view %d does not exist", v)
	}
	delete(m.views, v)
	delete(vw.table.views, v)
	for _, id := range vw.onUpdate {
		delete(m.callbacks, id)
	}
	vw.onUpdate = nil
	for _, id := range vw.onDelete {
		if cb, ok := m.callbacks[id]; ok {
			delete(m.callbacks, id)
			cb.remove()
		}
	}
	vw.onDelete = nil
	return nil
}

// ViewTable returns the table a view was built on.
func (m *Memory) ViewTable(v ViewHandle) (TableHandle, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	vw, err := m.view(v)
	if err != nil {
		return 0, err
	}
	return vw.table.handle, nil
}

// ViewSchema returns the view's output columns.
func (m *Memory) ViewSchema(v ViewHandle) (Schema, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()
	vw, err := m.view(v)
	if err != nil {
		return nil, err
	}
	res, err := m.compute(vw, vw.table.rows, true)
	if err != nil {
		return nil, err
	}
	return res.schema, nil
}

// ViewConfig returns the configuration a view was created with.
func (m *Memory) ViewConfig(v ViewHandle) (ViewConfig, error) {
	if err := m.enter(); err != nil {
		return ViewConfig{}, err
	}
	defer m.leave()
	vw, err := m.view(v)
	if err != nil {
		return ViewConfig{}, err
	}
	return vw.config, nil
}

// NumRows returns the number of rows the view currently yields.
func (m *Memory) NumRows(v ViewHandle) (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	vw, err := m.view(v)
	if err != nil {
		return 0, err
	}
	res, err := m.compute(vw, vw.table.rows, false)
	if err != nil {
		return 0, err
	}
	return len(res.rows), nil
}

// NumColumns returns the number of output columns.
func (m *Memory) NumColumns(v ViewHandle) (int, error) {
	schema, err := m.ViewSchema(v)
	if err != nil {
		return 0, err
	}
	return len(schema), nil
}

// Serialize renders the view in the requested format.
func (m *Memory) Serialize(v ViewHandle, opts SerializeOptions) ([]byte, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()
	vw, err := m.view(v)
	if err != nil {
		return nil, err
	}
	res, err := m.compute(vw, vw.table.rows, true)
	if err != nil {
		return nil, err
	}
	rows := window(res.rows, opts.StartRow, opts.EndRow)
	switch opts.Format {
	case "", FormatRecords:
		return encodeRecords(res.schema, rows), nil
	case FormatColumns:
		return encodeColumns(res.schema, rows), nil
	case FormatCSV:
		return encodeCSV(res.schema, rows)
	default:
		return nil, errorf("unknown format %q", opts.Format)
	}
}

// OnUpdate registers fn for every update of the view's table.
func (m *Memory) OnUpdate(v ViewHandle, fn UpdateFunc) (CallbackID, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	vw, err := m.view(v)
	if err != nil {
		return 0, err
	}
	cb := &callback{id: CallbackID(m.next()), update: fn, view: v, isUpdate: true}
	m.callbacks[cb.id] = cb
	vw.onUpdate = append(vw.onUpdate, cb.id)
	return cb.id, nil
}

// OnTableDelete registers fn to run once when the table is deleted.
func (m *Memory) OnTableDelete(t TableHandle, fn DeleteFunc) (CallbackID, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	tbl, err := m.table(t)
	if err != nil {
		return 0, err
	}
	cb := &callback{id: CallbackID(m.next()), remove: fn, table: t}
	m.callbacks[cb.id] = cb
	tbl.onDelete = append(tbl.onDelete, cb.id)
	return cb.id, nil
}

// OnViewDelete registers fn to run once when the view is deleted.
func (m *Memory) OnViewDelete(v ViewHandle, fn DeleteFunc) (CallbackID, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	vw, ok := m.views[v]
	if !ok {
		return 0, errorf("view %d does not exist", v)
	}
	cb := &callback{id: CallbackID(m.next()), remove: fn, view: v}
	m.callbacks[cb.id] = cb
	vw.onDelete = append(vw.onDelete, cb.id)
	return cb.id, nil
}

// RemoveCallback unregisters a callback. Unknown ids are ignored, since the
// engine drops callbacks itself when their object is deleted.
func (m *Memory) RemoveCallback(id CallbackID) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	cb, ok := m.callbacks[id]
	if !ok {
		return nil
	}
	delete(m.callbacks, id)
	switch {
	case cb.isUpdate:
		if vw, ok := m.views[cb.view]; ok {
			vw.onUpdate = removeID(vw.onUpdate, id)
		}
	case cb.view != 0:
		if vw, ok := m.views[cb.view]; ok {
			vw.onDelete = removeID(vw.onDelete, id)
		}
	default:
		if tbl, ok := m.tables[cb.table]; ok {
			tbl.onDelete = removeID(tbl.onDelete, id)
		}
	}
	return nil
}

// LoadLibrary runs Lua source that defines helpers for view expressions.
// Reloading a name runs the new source over the old definitions.
func (m *Memory) LoadLibrary(name, source string) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	if err := m.L.DoString(source); err != nil {
		return errorf("library %s: %v", name, err)
	}
	m.libraries[name] = true
	return nil
}

// Libraries returns the names of loaded Lua libraries.
func (m *Memory) Libraries() []string {
	names := make([]string, 0, len(m.libraries))
	for name := range m.libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the Lua state. Later calls fail.
func (m *Memory) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.L.Close()
	return nil
}

// notify fires update callbacks for every view of tbl, in view order.
func (m *Memory) notify(tbl *table, changed [][]any) {
	handles := make([]ViewHandle, 0, len(tbl.views))
	for h, vw := range tbl.views {
		if len(vw.onUpdate) > 0 {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	for _, h := range handles {
		vw := tbl.views[h]
		ev := UpdateEvent{Delta: json.RawMessage("[]")}
		if len(changed) > 0 {
			if res, err := m.compute(vw, changed, false); err == nil {
				ev.Delta = encodeRecords(res.schema, res.rows)
			}
		}
		for _, id := range append([]CallbackID(nil), vw.onUpdate...) {
			if cb, ok := m.callbacks[id]; ok {
				cb.update(ev)
			}
		}
	}
}

func removeID(ids []CallbackID, id CallbackID) []CallbackID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// apply writes input rows and returns copies of the rows as stored.
func (t *table) apply(in *input) ([][]any, error) {
	cols := make([]int, len(in.names))
	for i, name := range in.names {
		c, ok := t.schema.Lookup(name)
		if !ok {
			return nil, errorf("column %q does not exist", name)
		}
		cols[i] = c
	}
	rows := make([][]any, len(in.rows))
	present := make([][]bool, len(in.rows))
	for r, src := range in.rows {
		row := make([]any, len(t.schema))
		mask := make([]bool, len(t.schema))
		for i, v := range src {
			if !in.present[r][i] {
				continue
			}
			cv, err := coerce(t.schema[cols[i]], v)
			if err != nil {
				return nil, err
			}
			row[cols[i]] = cv
			mask[cols[i]] = true
		}
		if t.indexCol >= 0 && (!mask[t.indexCol] || row[t.indexCol] == nil) {
			return nil, errorf("row %d is missing index column %q", r, t.index)
		}
		rows[r] = row
		present[r] = mask
	}

	changed := make([][]any, 0, len(rows))
	for r, row := range rows {
		switch {
		case t.indexCol >= 0:
			key := row[t.indexCol]
			if pos, ok := t.keys[key]; ok {
				existing := t.rows[pos]
				for c := range row {
					if present[r][c] {
						existing[c] = row[c]
					}
				}
				row = existing
			} else {
				t.keys[key] = len(t.rows)
				t.rows = append(t.rows, row)
			}
		case t.limit > 0:
			pos := t.written % t.limit
			if pos < len(t.rows) {
				t.rows[pos] = row
			} else {
				t.rows = append(t.rows, row)
			}
			t.written++
		default:
			t.rows = append(t.rows, row)
		}
		changed = append(changed, append([]any(nil), row...))
	}
	return changed, nil
}

func (t *table) clear() {
	t.rows = nil
	t.written = 0
	t.keys = make(map[any]int)
}

func (t *table) reindex() {
	t.keys = make(map[any]int)
	if t.indexCol < 0 {
		return
	}
	for pos, row := range t.rows {
		t.keys[row[t.indexCol]] = pos
	}
}
