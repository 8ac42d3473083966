package manager

import (
	"encoding/json"

	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/protocol"
)

// subKey identifies one subscribable event of a hosted object.
type subKey struct {
	kind  protocol.Kind
	name  string
	event string
}

// subscriber is one (session, correlation id) registration. Pushes for it
// carry id.
type subscriber struct {
	client string
	id     int64
	mode   protocol.Mode
}

// subscribe adds a subscriber, registering the engine callback for the key
// when it is the first one.
func (m *Manager) subscribe(eng engine.Engine, clientID string, id int64, cmd protocol.Subscribe) error {
	key := subKey{kind: cmd.Target.Kind, name: cmd.Target.Name, event: cmd.Event}
	for _, s := range m.subs[key] {
		if s.client == clientID && s.id == id {
			return busy("subscription %d is already active", id)
		}
	}

	var register func() (engine.CallbackID, error)
	if key.kind == protocol.KindView {
		v, err := m.resolveView(eng, key.name)
		if err != nil {
			return err
		}
		if key.event == protocol.OnUpdate {
			register = func() (engine.CallbackID, error) {
				return eng.OnUpdate(v.handle, func(ev engine.UpdateEvent) { m.fireUpdate(key, ev) })
			}
		} else {
			register = func() (engine.CallbackID, error) {
				return eng.OnViewDelete(v.handle, func() { m.fireDelete(key) })
			}
		}
	} else {
		t, err := m.resolveTable(key.name)
		if err != nil {
			return err
		}
		register = func() (engine.CallbackID, error) {
			return eng.OnTableDelete(t.handle, func() { m.fireDelete(key) })
		}
	}

	if _, ok := m.natives[key]; !ok {
		cb, err := register()
		if err != nil {
			return classify(err)
		}
		m.natives[key] = cb
	}
	sub := subscriber{client: clientID, id: id, mode: cmd.Mode}
	m.subs[key] = append(m.subs[key], sub)
	m.markLive(sub)
	m.cfg.Log(3, "subscribed %s/%d to %s %s", clientID, id, cmd.Target, cmd.Event)
	return nil
}

// unsubscribe removes one subscriber and sends its final frame.
func (m *Manager) unsubscribe(eng engine.Engine, clientID string, cmd protocol.Unsubscribe) error {
	key := subKey{kind: cmd.Target.Kind, name: cmd.Target.Name, event: cmd.Event}
	list := m.subs[key]
	for i, s := range list {
		if s.client != clientID || s.id != cmd.SubscriptionID {
			continue
		}
		m.setSubscribers(eng, key, append(list[:i:i], list[i+1:]...))
		m.endLive(s)
		m.push(s, protocol.EventUnsubscribed, nil, false)
		return nil
	}
	return notFound("no subscription %d for %s %s", cmd.SubscriptionID, cmd.Target, cmd.Event)
}

// setSubscribers replaces the list for key, releasing the engine callback
// when it becomes empty.
func (m *Manager) setSubscribers(eng engine.Engine, key subKey, list []subscriber) {
	if len(list) > 0 {
		m.subs[key] = list
		return
	}
	delete(m.subs, key)
	if cb, ok := m.natives[key]; ok {
		delete(m.natives, key)
		if err := eng.RemoveCallback(cb); err != nil {
			m.cfg.Warn("removing callback for %s %q: %v", key.kind, key.name, err)
		}
	}
}

// dropSubscriber removes every subscription of a closed session. No final
// frames are sent.
func (m *Manager) dropSubscriber(eng engine.Engine, clientID string) {
	for key, list := range m.subs {
		kept := make([]subscriber, 0, len(list))
		for _, s := range list {
			if s.client != clientID {
				kept = append(kept, s)
			} else {
				m.endLive(s)
			}
		}
		if len(kept) != len(list) {
			m.setSubscribers(eng, key, kept)
		}
	}
}

// endSubscriptions terminates every subscription on target with a final
// frame carrying event.
func (m *Manager) endSubscriptions(eng engine.Engine, target protocol.Target, event string) {
	for _, ev := range []string{protocol.OnUpdate, protocol.OnDelete} {
		key := subKey{kind: target.Kind, name: target.Name, event: ev}
		list := m.subs[key]
		m.setSubscribers(eng, key, nil)
		m.endLive(list...)
		for _, s := range list {
			m.push(s, event, nil, false)
		}
	}
}

// fireUpdate runs inside an engine update callback. It must not call the
// engine.
func (m *Manager) fireUpdate(key subKey, ev engine.UpdateEvent) {
	for _, s := range append([]subscriber(nil), m.subs[key]...) {
		var delta json.RawMessage
		if s.mode == protocol.ModeRow {
			delta = ev.Delta
		}
		m.push(s, protocol.EventUpdate, delta, true)
	}
}

// fireDelete runs inside an engine delete callback; the engine has already
// dropped the callback itself.
func (m *Manager) fireDelete(key subKey) {
	list := m.subs[key]
	delete(m.subs, key)
	delete(m.natives, key)
	m.endLive(list...)
	for _, s := range list {
		m.push(s, protocol.EventDelete, nil, false)
	}
}

// push sends a freshly encoded event frame to one subscriber.
func (m *Manager) push(s subscriber, event string, delta json.RawMessage, more bool) {
	sess, ok := m.sessions.Get(s.client)
	if !ok {
		return
	}
	data, err := json.Marshal(protocol.Event{Event: event, Delta: delta})
	if err != nil {
		m.cfg.Error("encoding %s event: %v", event, err)
		return
	}
	if err := sess.Send(protocol.Response{ID: s.id, Data: data, More: more}); err != nil {
		m.cfg.Log(3, "push to %s/%d dropped: %v", s.client, s.id, err)
	}
}
