// Package manager is the process-wide registry of hosted tables and views.
// It routes client requests onto the dispatch queue and fans engine events
// back out to subscribed sessions.
//
// All registry state is owned by the dispatch queue: it is read and written
// only from inside queue tasks. The name hints and the pending table have
// their own locks and are advisory; the authoritative check happens again
// inside the task.
//
// A name is hinted while it is hosted or while any session still has a
// creation of it queued, so one session's failed create never hides a name
// another session's create is about to host.
package manager

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/dispatch"
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/protocol"
	"github.com/zot/tablebridge/internal/session"
)

// CompleteFunc observes the end of each request.
type CompleteFunc func(clientID string, id int64, elapsed time.Duration, err error)

type hostedTable struct {
	handle engine.TableHandle
}

type hostedView struct {
	handle      engine.ViewHandle
	table       string // empty when the view's table is not hosted
	tableHandle engine.TableHandle
	owner       string // session id, empty for host-created views
}

type pendingKey struct {
	client string
	id     int64
}

type pending struct {
	post    session.PostFunc
	started time.Time
}

// Manager owns the hosted tables and views.
type Manager struct {
	cfg       *config.Config
	queue     *dispatch.Queue
	sessions  *session.Registry
	chunkSize int
	closed    atomic.Bool

	// queue-owned
	tables  map[string]*hostedTable
	views   map[string]*hostedView
	subs    map[subKey][]subscriber
	natives map[subKey]engine.CallbackID

	hintMu   sync.RWMutex
	hints    map[protocol.Target]struct{} // hosted names
	creating map[protocol.Target]int      // queued creations per name

	// pending holds requests waiting for their task; live holds subscription
	// ids still receiving pushes. Either makes an id unavailable.
	pendingMu sync.Mutex
	pending   map[pendingKey]*pending
	live      map[pendingKey]struct{}

	completeMu sync.RWMutex
	onComplete CompleteFunc
}

var _ session.Processor = (*Manager)(nil)

// New creates a manager that reaches the engine only through q.
func New(q *dispatch.Queue, cfg *config.Config) *Manager {
	return &Manager{
		cfg:       cfg,
		queue:     q,
		sessions:  session.NewRegistry(),
		chunkSize: cfg.Bridge.ChunkSize,
		tables:    make(map[string]*hostedTable),
		views:     make(map[string]*hostedView),
		subs:      make(map[subKey][]subscriber),
		natives:   make(map[subKey]engine.CallbackID),
		hints:     make(map[protocol.Target]struct{}),
		creating:  make(map[protocol.Target]int),
		pending:   make(map[pendingKey]*pending),
		live:      make(map[pendingKey]struct{}),
	}
}

// OnComplete installs an observer called after every request finishes.
func (m *Manager) OnComplete(fn CompleteFunc) {
	m.completeMu.Lock()
	defer m.completeMu.Unlock()
	m.onComplete = fn
}

// NewSession creates and registers a session whose frames go to send.
func (m *Manager) NewSession(send session.SendFunc) *session.Session {
	s := session.New(m, send)
	vid := m.sessions.Add(s)
	m.cfg.Log(1, "session %s opened (%s)", vid, s.ID)
	return s
}

// Session looks up a registered session.
func (m *Manager) Session(id string) (*session.Session, bool) {
	return m.sessions.Get(id)
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	return m.sessions.Count()
}

func (m *Manager) exec(ctx context.Context, fn func(engine.Engine) error) error {
	if m.closed.Load() {
		return shutdown()
	}
	_, err := dispatch.Await(ctx, m.queue, func(eng engine.Engine) (struct{}, error) {
		return struct{}{}, fn(eng)
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// HostTable publishes handle under name, replacing any previous table of
// that name. Views of the previous table become stale.
func (m *Manager) HostTable(ctx context.Context, name string, handle engine.TableHandle) error {
	return m.exec(ctx, func(eng engine.Engine) error {
		if _, err := eng.Size(handle); err != nil {
			return classify(err)
		}
		m.hostTable(eng, name, handle)
		return nil
	})
}

// UnhostTable removes name from the registry. The engine table survives.
func (m *Manager) UnhostTable(ctx context.Context, name string) error {
	return m.exec(ctx, func(eng engine.Engine) error {
		if _, ok := m.tables[name]; !ok {
			return notFound("table %q is not hosted", name)
		}
		m.endSubscriptions(eng, protocol.Target{Kind: protocol.KindTable, Name: name}, protocol.EventUnsubscribed)
		delete(m.tables, name)
		m.dropHint(protocol.KindTable, name)
		m.cfg.Log(2, "unhosted table %q", name)
		return nil
	})
}

// HostView publishes a view under name. Host views have no owning session
// and survive session teardown.
func (m *Manager) HostView(ctx context.Context, name string, handle engine.ViewHandle) error {
	return m.exec(ctx, func(eng engine.Engine) error {
		th, err := eng.ViewTable(handle)
		if err != nil {
			return classify(err)
		}
		m.hostView(eng, name, &hostedView{handle: handle, table: m.tableName(th), tableHandle: th})
		return nil
	})
}

// UnhostView removes name from the registry without deleting the view.
func (m *Manager) UnhostView(ctx context.Context, name string) error {
	return m.exec(ctx, func(eng engine.Engine) error {
		v, ok := m.views[name]
		if !ok {
			return notFound("view %q is not hosted", name)
		}
		m.endSubscriptions(eng, protocol.Target{Kind: protocol.KindView, Name: name}, protocol.EventUnsubscribed)
		m.forgetView(name, v)
		m.cfg.Log(2, "unhosted view %q", name)
		return nil
	})
}

// CreateTable creates a table and hosts it under name in one task.
func (m *Manager) CreateTable(ctx context.Context, name string, data json.RawMessage, opts engine.TableOptions) (engine.TableHandle, error) {
	var h engine.TableHandle
	err := m.exec(ctx, func(eng engine.Engine) error {
		var err error
		if h, err = eng.CreateTable(data, opts); err != nil {
			return classify(err)
		}
		m.hostTable(eng, name, h)
		return nil
	})
	return h, err
}

// CreateView creates a host view of a hosted table in one task.
func (m *Manager) CreateView(ctx context.Context, table, name string, cfg engine.ViewConfig) (engine.ViewHandle, error) {
	var h engine.ViewHandle
	err := m.exec(ctx, func(eng engine.Engine) error {
		var err error
		h, err = m.createView(eng, table, name, cfg, "")
		return err
	})
	return h, err
}

// Sync waits until every task submitted before it has run.
func (m *Manager) Sync(ctx context.Context) error {
	return m.exec(ctx, func(engine.Engine) error { return nil })
}

// TableInfo describes one hosted table.
type TableInfo struct {
	Name   string        `json:"name"`
	Size   int           `json:"size"`
	Index  string        `json:"index,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Schema engine.Schema `json:"schema"`
	Views  []string      `json:"views,omitempty"`
}

// Tables describes every hosted table, sorted by name.
func (m *Manager) Tables(ctx context.Context) ([]TableInfo, error) {
	var infos []TableInfo
	err := m.exec(ctx, func(eng engine.Engine) error {
		for _, name := range m.tableNames() {
			info, err := m.describe(eng, name)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}

// Table describes one hosted table.
func (m *Manager) Table(ctx context.Context, name string) (TableInfo, error) {
	var info TableInfo
	err := m.exec(ctx, func(eng engine.Engine) error {
		var err error
		info, err = m.describe(eng, name)
		return err
	})
	return info, err
}

func (m *Manager) describe(eng engine.Engine, name string) (TableInfo, error) {
	t, ok := m.tables[name]
	if !ok {
		return TableInfo{}, notFound("table %q is not hosted", name)
	}
	info := TableInfo{Name: name}
	var err error
	if info.Size, err = eng.Size(t.handle); err != nil {
		return info, classify(err)
	}
	if info.Index, err = eng.Index(t.handle); err != nil {
		return info, classify(err)
	}
	if info.Limit, err = eng.Limit(t.handle); err != nil {
		return info, classify(err)
	}
	if info.Schema, err = eng.Schema(t.handle); err != nil {
		return info, classify(err)
	}
	info.Views = m.linkedViews(t.handle)
	return info, nil
}

// ViewRecords serializes a hosted view.
func (m *Manager) ViewRecords(ctx context.Context, name string, opts engine.SerializeOptions) (json.RawMessage, error) {
	var out json.RawMessage
	err := m.exec(ctx, func(eng engine.Engine) error {
		v, err := m.resolveView(eng, name)
		if err != nil {
			return err
		}
		data, err := eng.Serialize(v.handle, opts)
		if err != nil {
			return classify(err)
		}
		if opts.Format == engine.FormatCSV {
			data, _ = json.Marshal(string(data))
		}
		out = data
		return nil
	})
	return out, err
}

// TableSnapshot is the persistent form of one hosted table.
type TableSnapshot struct {
	Name    string              `json:"name"`
	Options engine.TableOptions `json:"options"`
	Schema  engine.Schema       `json:"schema"`
	Rows    json.RawMessage     `json:"rows"`
}

// Snapshot captures every hosted table with its rows.
func (m *Manager) Snapshot(ctx context.Context) ([]TableSnapshot, error) {
	var snaps []TableSnapshot
	err := m.exec(ctx, func(eng engine.Engine) error {
		for _, name := range m.tableNames() {
			t := m.tables[name]
			snap := TableSnapshot{Name: name}
			var err error
			if snap.Schema, err = eng.Schema(t.handle); err != nil {
				return classify(err)
			}
			if snap.Options.Index, err = eng.Index(t.handle); err != nil {
				return classify(err)
			}
			if snap.Options.Limit, err = eng.Limit(t.handle); err != nil {
				return classify(err)
			}
			vh, err := eng.CreateView(t.handle, engine.ViewConfig{})
			if err != nil {
				return classify(err)
			}
			snap.Rows, err = eng.Serialize(vh, engine.SerializeOptions{Format: engine.FormatRecords})
			if derr := eng.DeleteView(vh); err == nil {
				err = derr
			}
			if err != nil {
				return classify(err)
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	return snaps, err
}

// Restore hosts tables from snapshots, replacing tables of the same name.
func (m *Manager) Restore(ctx context.Context, snaps []TableSnapshot) error {
	return m.exec(ctx, func(eng engine.Engine) error {
		for _, snap := range snaps {
			schema, err := json.Marshal(snap.Schema)
			if err != nil {
				return err
			}
			h, err := eng.CreateTable(schema, snap.Options)
			if err != nil {
				return classify(err)
			}
			if len(snap.Rows) > 0 && string(snap.Rows) != "[]" {
				if err := eng.Update(h, snap.Rows); err != nil {
					return classify(err)
				}
			}
			m.hostTable(eng, snap.Name, h)
		}
		return nil
	})
}

// Shutdown drains the queue, then clears the registry. Later calls fail with
// a shutdown error.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	err := m.queue.Close(ctx)
	if err != nil {
		return err
	}
	// The queue is drained and closed; no task can touch the registry now.
	m.tables = make(map[string]*hostedTable)
	m.views = make(map[string]*hostedView)
	m.subs = make(map[subKey][]subscriber)
	m.natives = make(map[subKey]engine.CallbackID)
	m.hintMu.Lock()
	m.hints = make(map[protocol.Target]struct{})
	m.creating = make(map[protocol.Target]int)
	m.hintMu.Unlock()
	m.pendingMu.Lock()
	m.pending = make(map[pendingKey]*pending)
	m.live = make(map[pendingKey]struct{})
	m.pendingMu.Unlock()
	m.cfg.Log(1, "manager shut down")
	return nil
}

// ClearViews deletes every view clientID created and drops its
// subscriptions and pending requests, then unregisters the session. Calling
// it again, or after Shutdown, does nothing.
func (m *Manager) ClearViews(clientID string) error {
	if m.closed.Load() {
		return nil
	}
	m.pendingMu.Lock()
	for k := range m.pending {
		if k.client == clientID {
			delete(m.pending, k)
		}
	}
	for k := range m.live {
		if k.client == clientID {
			delete(m.live, k)
		}
	}
	m.pendingMu.Unlock()

	err := m.queue.Submit(func(eng engine.Engine) {
		var owned []string
		for name, v := range m.views {
			if v.owner == clientID {
				owned = append(owned, name)
			}
		}
		sort.Strings(owned)
		for _, name := range owned {
			if err := m.deleteView(eng, name); err != nil {
				m.cfg.Warn("clearing view %q of %s: %v", name, clientID, err)
			}
		}
		m.dropSubscriber(eng, clientID)
		if m.sessions.Remove(clientID) {
			m.cfg.Log(1, "session %s closed, %d views deleted", clientID, len(owned))
		}
	})
	if err != nil {
		m.cfg.Log(1, "session %s closed after queue shutdown: %v", clientID, err)
	}
	return nil
}

func (m *Manager) hostTable(eng engine.Engine, name string, handle engine.TableHandle) {
	if old, ok := m.tables[name]; ok && old.handle != handle {
		m.endSubscriptions(eng, protocol.Target{Kind: protocol.KindTable, Name: name}, protocol.EventUnsubscribed)
	}
	m.tables[name] = &hostedTable{handle: handle}
	m.addHint(protocol.KindTable, name)
	m.cfg.Log(2, "hosted table %q", name)
}

func (m *Manager) hostView(eng engine.Engine, name string, v *hostedView) {
	if old, ok := m.views[name]; ok {
		m.endSubscriptions(eng, protocol.Target{Kind: protocol.KindView, Name: name}, protocol.EventUnsubscribed)
		m.forgetView(name, old)
	}
	m.views[name] = v
	m.addHint(protocol.KindView, name)
	if v.owner != "" {
		if s, ok := m.sessions.Get(v.owner); ok {
			s.AddView(name)
		}
	}
	m.cfg.Log(2, "hosted view %q on table %q", name, v.table)
}

func (m *Manager) createView(eng engine.Engine, table, name string, cfg engine.ViewConfig, owner string) (engine.ViewHandle, error) {
	t, ok := m.tables[table]
	if !ok {
		return 0, notFound("table %q is not hosted", table)
	}
	if _, exists := m.views[name]; exists {
		return 0, busy("view %q already exists", name)
	}
	if owner != "" {
		if _, ok := m.sessions.Get(owner); !ok {
			return 0, notFound("session %s is closed", owner)
		}
	}
	h, err := eng.CreateView(t.handle, cfg)
	if err != nil {
		return 0, classify(err)
	}
	m.hostView(eng, name, &hostedView{handle: h, table: table, tableHandle: t.handle, owner: owner})
	return h, nil
}

// deleteView deletes the engine view and ends all its subscriptions. The
// engine fires on_delete callbacks during DeleteView; update subscriptions
// are ended here afterwards.
func (m *Manager) deleteView(eng engine.Engine, name string) error {
	v, ok := m.views[name]
	if !ok {
		return notFound("view %q is not hosted", name)
	}
	if err := eng.DeleteView(v.handle); err != nil {
		return classify(err)
	}
	m.endSubscriptions(eng, protocol.Target{Kind: protocol.KindView, Name: name}, protocol.EventDelete)
	m.forgetView(name, v)
	return nil
}

func (m *Manager) deleteTable(eng engine.Engine, name string) error {
	t, ok := m.tables[name]
	if !ok {
		return notFound("table %q is not hosted", name)
	}
	if linked := m.linkedViews(t.handle); len(linked) > 0 {
		return busy("table %q has %d linked views; delete views first", name, len(linked))
	}
	if err := eng.DeleteTable(t.handle); err != nil {
		return classify(err)
	}
	m.endSubscriptions(eng, protocol.Target{Kind: protocol.KindTable, Name: name}, protocol.EventDelete)
	delete(m.tables, name)
	m.dropHint(protocol.KindTable, name)
	m.cfg.Log(2, "deleted table %q", name)
	return nil
}

func (m *Manager) forgetView(name string, v *hostedView) {
	delete(m.views, name)
	m.dropHint(protocol.KindView, name)
	if v.owner != "" {
		if s, ok := m.sessions.Get(v.owner); ok {
			s.RemoveView(name)
		}
	}
}

// resolveView returns a hosted view, failing if its table was unhosted or
// replaced since the view was created.
func (m *Manager) resolveView(eng engine.Engine, name string) (*hostedView, error) {
	v, ok := m.views[name]
	if !ok {
		return nil, notFound("view %q is not hosted", name)
	}
	if v.table != "" {
		t, ok := m.tables[v.table]
		if !ok || t.handle != v.tableHandle {
			return nil, &Error{Code: protocol.CodeEngine, Message: "view " + name + " is stale: table " + v.table + " was replaced or unhosted"}
		}
	}
	return v, nil
}

func (m *Manager) resolveTable(name string) (*hostedTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, notFound("table %q is not hosted", name)
	}
	return t, nil
}

func (m *Manager) linkedViews(h engine.TableHandle) []string {
	var names []string
	for name, v := range m.views {
		if v.tableHandle == h {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Manager) tableName(h engine.TableHandle) string {
	for name, t := range m.tables {
		if t.handle == h {
			return name
		}
	}
	return ""
}

func (m *Manager) tableNames() []string {
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) addHint(kind protocol.Kind, name string) {
	m.hintMu.Lock()
	defer m.hintMu.Unlock()
	m.hints[protocol.Target{Kind: kind, Name: name}] = struct{}{}
}

// dropHint forgets that a name is hosted. Queued creations of it keep it
// resolvable until they finish.
func (m *Manager) dropHint(kind protocol.Kind, name string) {
	m.hintMu.Lock()
	defer m.hintMu.Unlock()
	delete(m.hints, protocol.Target{Kind: kind, Name: name})
}

func (m *Manager) beginCreate(t protocol.Target) {
	m.hintMu.Lock()
	defer m.hintMu.Unlock()
	m.creating[t]++
}

func (m *Manager) endCreate(t protocol.Target) {
	m.hintMu.Lock()
	defer m.hintMu.Unlock()
	if m.creating[t]--; m.creating[t] <= 0 {
		delete(m.creating, t)
	}
}

func (m *Manager) hinted(t protocol.Target) bool {
	m.hintMu.RLock()
	defer m.hintMu.RUnlock()
	_, ok := m.hints[t]
	return ok || m.creating[t] > 0
}

// idBusy reports whether id is taken by a queued request or a live
// subscription of clientID. The caller holds pendingMu.
func (m *Manager) idBusy(key pendingKey) bool {
	_, queued := m.pending[key]
	_, live := m.live[key]
	return queued || live
}

func (m *Manager) markLive(s subscriber) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.live[pendingKey{client: s.client, id: s.id}] = struct{}{}
}

// endLive releases the ids of subscribers that will get no more pushes.
func (m *Manager) endLive(subs ...subscriber) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for _, s := range subs {
		delete(m.live, pendingKey{client: s.client, id: s.id})
	}
}
