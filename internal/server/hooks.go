package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zot/tablebridge/internal/protocol"
)

// Hooks observe a connection's traffic. Any field may be nil. Hooks run on
// the reader or writer goroutine and must not block.
type Hooks struct {
	OnReceive func(sessionID string, frame []byte)
	OnSend    func(sessionID string, r protocol.Response)
	OnClose   func(sessionID string)
}

// Chain returns hooks that call each of hooks in order.
func Chain(hooks ...Hooks) Hooks {
	return Hooks{
		OnReceive: func(sessionID string, frame []byte) {
			for _, h := range hooks {
				if h.OnReceive != nil {
					h.OnReceive(sessionID, frame)
				}
			}
		},
		OnSend: func(sessionID string, r protocol.Response) {
			for _, h := range hooks {
				if h.OnSend != nil {
					h.OnSend(sessionID, r)
				}
			}
		},
		OnClose: func(sessionID string) {
			for _, h := range hooks {
				if h.OnClose != nil {
					h.OnClose(sessionID)
				}
			}
		},
	}
}

func (h Hooks) received(sessionID string, frame []byte) {
	if h.OnReceive != nil {
		h.OnReceive(sessionID, frame)
	}
}

func (h Hooks) sent(sessionID string, r protocol.Response) {
	if h.OnSend != nil {
		h.OnSend(sessionID, r)
	}
}

func (h Hooks) closed(sessionID string) {
	if h.OnClose != nil {
		h.OnClose(sessionID)
	}
}

type exchangeKey struct {
	session string
	id      int64
}

// Telemetry measures exchanges: the time from a request frame arriving to
// the final frame carrying its id being written. For subscriptions that is
// the subscription's lifetime.
type Telemetry struct {
	mu       sync.Mutex
	started  map[exchangeKey]time.Time
	observer prometheus.Observer
	now      func() time.Time
}

// NewTelemetry reports exchange durations in seconds to observer.
func NewTelemetry(observer prometheus.Observer) *Telemetry {
	return &Telemetry{
		started:  make(map[exchangeKey]time.Time),
		observer: observer,
		now:      time.Now,
	}
}

// Hooks returns the hooks that feed t.
func (t *Telemetry) Hooks() Hooks {
	return Hooks{OnReceive: t.receive, OnSend: t.send, OnClose: t.forget}
}

// Open returns the number of exchanges still waiting for a final frame.
func (t *Telemetry) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}

func (t *Telemetry) receive(sessionID string, frame []byte) {
	var probe struct {
		ID int64 `json:"id"`
	}
	if json.Unmarshal(frame, &probe) != nil {
		return
	}
	key := exchangeKey{session: sessionID, id: probe.ID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[key]; !ok {
		t.started[key] = t.now()
	}
}

func (t *Telemetry) send(sessionID string, r protocol.Response) {
	if !r.Final() {
		return
	}
	key := exchangeKey{session: sessionID, id: r.ID}
	t.mu.Lock()
	start, ok := t.started[key]
	delete(t.started, key)
	t.mu.Unlock()
	if ok && t.observer != nil {
		t.observer.Observe(t.now().Sub(start).Seconds())
	}
}

func (t *Telemetry) forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.started {
		if k.session == sessionID {
			delete(t.started, k)
		}
	}
}
