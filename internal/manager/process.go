package manager

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/protocol"
	"github.com/zot/tablebridge/internal/session"
)

// result is what a command produces. A push result is sent as a single
// non-final frame: the exchange continues with subscription pushes.
type result struct {
	data json.RawMessage
	push bool
}

// Process decodes one inbound frame and queues its work. Decoding and
// name-resolution failures are returned synchronously and nothing is
// queued; everything else is answered through post, including engine
// errors.
//
// A synchronous failure is reported at once, so it can reach the client
// before the responses to earlier requests of the same session that are
// still queued. Clients must correlate responses by id, not arrival order.
//
// An id is rejected with a protocol error while a request with that id is
// queued or a subscription with that id is still live.
func (m *Manager) Process(frame []byte, post session.PostFunc, clientID string) error {
	if m.closed.Load() {
		return shutdown()
	}
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		return classify(err)
	}
	cmd, err := protocol.Parse(req)
	if err != nil {
		return classify(err)
	}
	if cmd, err = m.precheck(cmd); err != nil {
		e := classify(err)
		e.ID = req.ID
		return e
	}

	created, creates := creation(cmd)

	key := pendingKey{client: clientID, id: req.ID}
	m.pendingMu.Lock()
	if m.idBusy(key) {
		m.pendingMu.Unlock()
		if creates {
			m.endCreate(created)
		}
		return &Error{ID: req.ID, Code: protocol.CodeProtocol, Message: "request id is already in flight"}
	}
	m.pending[key] = &pending{post: post, started: time.Now()}
	m.pendingMu.Unlock()

	m.cfg.Log(2, "request %s/%d %s %s", clientID, req.ID, req.Cmd, req.Name)
	err = m.queue.Submit(func(eng engine.Engine) {
		if creates {
			defer m.endCreate(created)
		}
		m.run(eng, clientID, req.ID, cmd)
	})
	if err != nil {
		if creates {
			m.endCreate(created)
		}
		m.takePending(key)
		e := classify(err)
		e.ID = req.ID
		return e
	}
	return nil
}

// precheck resolves names against the hints. Creations count as queued
// until their task finishes, so requests queued behind them resolve too.
func (m *Manager) precheck(cmd protocol.Command) (protocol.Command, error) {
	switch c := cmd.(type) {
	case protocol.CreateTable:
		m.beginCreate(protocol.Target{Kind: protocol.KindTable, Name: c.Name})
	case protocol.CreateView:
		if !m.hinted(protocol.Target{Kind: protocol.KindTable, Name: c.Table}) {
			return nil, notFound("table %q is not hosted", c.Table)
		}
		if c.ViewName == "" {
			c.ViewName = "view-" + uuid.NewString()
		}
		m.beginCreate(protocol.Target{Kind: protocol.KindView, Name: c.ViewName})
		return c, nil
	case protocol.TableCall:
		return cmd, m.checkHint(protocol.Target{Kind: protocol.KindTable, Name: c.Name})
	case protocol.ViewCall:
		return cmd, m.checkHint(protocol.Target{Kind: protocol.KindView, Name: c.Name})
	case protocol.Subscribe:
		return cmd, m.checkHint(c.Target)
	case protocol.Unsubscribe:
		return cmd, m.checkHint(c.Target)
	case protocol.Delete:
		return cmd, m.checkHint(c.Target)
	}
	return cmd, nil
}

// creation returns the name a command creates.
func creation(cmd protocol.Command) (protocol.Target, bool) {
	switch c := cmd.(type) {
	case protocol.CreateTable:
		return protocol.Target{Kind: protocol.KindTable, Name: c.Name}, true
	case protocol.CreateView:
		return protocol.Target{Kind: protocol.KindView, Name: c.ViewName}, true
	}
	return protocol.Target{}, false
}

func (m *Manager) checkHint(t protocol.Target) error {
	if !m.hinted(t) {
		return notFound("%s is not hosted", t)
	}
	return nil
}

func (m *Manager) takePending(key pendingKey) (*pending, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p, ok := m.pending[key]
	delete(m.pending, key)
	return p, ok
}

// run executes a command inside a queue task and posts its frames. If the
// client went away meanwhile, the engine work still happens but the result
// is discarded.
func (m *Manager) run(eng engine.Engine, clientID string, id int64, cmd protocol.Command) {
	res, err := m.execute(eng, clientID, id, cmd)
	if err != nil {
		m.cfg.Log(3, "request %s/%d failed: %v", clientID, id, err)
	}

	p, ok := m.takePending(pendingKey{client: clientID, id: id})
	if !ok {
		m.cfg.Log(3, "request %s/%d finished after its session closed", clientID, id)
		return
	}
	switch {
	case err != nil:
		p.post(Response(id, err))
	case res.push:
		p.post(protocol.Response{ID: id, Data: res.data, More: true})
	default:
		for _, f := range protocol.Frames(id, res.data, m.chunkSize) {
			p.post(f)
		}
	}

	m.completeMu.RLock()
	fn := m.onComplete
	m.completeMu.RUnlock()
	if fn != nil {
		fn(clientID, id, time.Since(p.started), err)
	}
}

func (m *Manager) execute(eng engine.Engine, clientID string, id int64, cmd protocol.Command) (result, error) {
	switch c := cmd.(type) {
	case protocol.CreateTable:
		h, err := eng.CreateTable(c.Data, c.Options)
		if err != nil {
			return result{}, classify(err)
		}
		m.hostTable(eng, c.Name, h)
		return marshal(c.Name)

	case protocol.CreateView:
		if _, err := m.createView(eng, c.Table, c.ViewName, c.Config, clientID); err != nil {
			return result{}, err
		}
		return marshal(c.ViewName)

	case protocol.TableCall:
		return m.callTable(eng, c)

	case protocol.ViewCall:
		return m.callView(eng, c)

	case protocol.Subscribe:
		if err := m.subscribe(eng, clientID, id, c); err != nil {
			return result{}, err
		}
		data, _ := json.Marshal(protocol.Event{Event: protocol.EventSubscribed})
		return result{data: data, push: true}, nil

	case protocol.Unsubscribe:
		return result{}, m.unsubscribe(eng, clientID, c)

	case protocol.Delete:
		if c.Target.Kind == protocol.KindTable {
			return result{}, m.deleteTable(eng, c.Target.Name)
		}
		return result{}, m.deleteView(eng, c.Target.Name)
	}
	return result{}, &Error{Code: protocol.CodeProtocol, Message: "unsupported command"}
}

func (m *Manager) callTable(eng engine.Engine, c protocol.TableCall) (result, error) {
	t, err := m.resolveTable(c.Name)
	if err != nil {
		return result{}, err
	}
	h := t.handle
	switch c.Method {
	case protocol.TableSchema:
		return wrap(eng.Schema(h))
	case protocol.TableSize:
		return wrap(eng.Size(h))
	case protocol.TableColumns:
		return wrap(eng.Columns(h))
	case protocol.TableUpdate:
		return result{}, engineErr(eng.Update(h, c.Data))
	case protocol.TableRemove:
		return result{}, engineErr(eng.Remove(h, c.Data))
	case protocol.TableClear:
		return result{}, engineErr(eng.Clear(h))
	case protocol.TableReplace:
		return result{}, engineErr(eng.Replace(h, c.Data))
	case protocol.TableGetIndex:
		idx, err := eng.Index(h)
		if err != nil || idx == "" {
			return result{data: json.RawMessage("null")}, engineErr(err)
		}
		return marshal(idx)
	case protocol.TableGetLimit:
		limit, err := eng.Limit(h)
		if err != nil || limit == 0 {
			return result{data: json.RawMessage("null")}, engineErr(err)
		}
		return marshal(limit)
	}
	return result{}, &Error{Code: protocol.CodeProtocol, Message: "unsupported table method " + string(c.Method)}
}

func (m *Manager) callView(eng engine.Engine, c protocol.ViewCall) (result, error) {
	v, err := m.resolveView(eng, c.Name)
	if err != nil {
		return result{}, err
	}
	h := v.handle
	switch c.Method {
	case protocol.ViewToRecords, protocol.ViewToColumns:
		data, err := eng.Serialize(h, c.Window)
		if err != nil {
			return result{}, classify(err)
		}
		return result{data: data}, nil
	case protocol.ViewToCSV:
		data, err := eng.Serialize(h, c.Window)
		if err != nil {
			return result{}, classify(err)
		}
		return marshal(string(data))
	case protocol.ViewSchema:
		return wrap(eng.ViewSchema(h))
	case protocol.ViewNumRows:
		return wrap(eng.NumRows(h))
	case protocol.ViewNumColumns:
		return wrap(eng.NumColumns(h))
	case protocol.ViewGetConfig:
		return wrap(eng.ViewConfig(h))
	}
	return result{}, &Error{Code: protocol.CodeProtocol, Message: "unsupported view method " + string(c.Method)}
}

func marshal(v any) (result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return result{}, classify(err)
	}
	return result{data: data}, nil
}

func wrap(v any, err error) (result, error) {
	if err != nil {
		return result{}, classify(err)
	}
	return marshal(v)
}

func engineErr(err error) error {
	if err == nil {
		return nil
	}
	return classify(err)
}
