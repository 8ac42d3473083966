package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/dispatch"
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/protocol"
	"github.com/zot/tablebridge/internal/session"
)

type harness struct {
	m    *Manager
	q    *dispatch.Queue
	loop *dispatch.Loop
}

func newHarness(t *testing.T, chunkSize int, bind bool) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SetLogger(zap.NewNop().Sugar())
	if chunkSize > 0 {
		cfg.Bridge.ChunkSize = chunkSize
	}
	eng := engine.NewMemory()
	h := &harness{q: dispatch.New(eng, cfg), loop: dispatch.NewLoop()}
	h.m = New(h.q, cfg)
	if bind {
		h.bind()
	}
	t.Cleanup(func() {
		h.bind()
		_ = h.m.Shutdown(context.Background())
		h.loop.Stop()
		_ = eng.Close()
	})
	return h
}

func (h *harness) bind() {
	h.q.SetLoopCallback(h.loop.Schedule)
}

// inspect runs fn on the queue so it may read queue-owned state.
func (h *harness) inspect(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.m.exec(context.Background(), func(engine.Engine) error {
		fn()
		return nil
	}))
}

type client struct {
	t    *testing.T
	h    *harness
	s    *session.Session
	mu   sync.Mutex
	sent []protocol.Response
}

func (h *harness) client(t *testing.T) *client {
	c := &client{t: t, h: h}
	c.s = h.m.NewSession(c.record)
	return c
}

func (c *client) record(r protocol.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, r)
	return nil
}

// send processes one request and fails the test on a synchronous error.
func (c *client) send(format string, args ...any) {
	c.t.Helper()
	require.NoError(c.t, c.try(format, args...))
}

func (c *client) try(format string, args ...any) error {
	return c.s.Process([]byte(fmt.Sprintf(format, args...)), c.s.Post)
}

// frames waits for queued work and returns every frame sent for id.
func (c *client) frames(id int64) []protocol.Response {
	c.t.Helper()
	require.NoError(c.t, c.h.m.Sync(context.Background()))
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Response
	for _, r := range c.sent {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// result returns the reassembled payload of a completed request.
func (c *client) result(id int64) json.RawMessage {
	c.t.Helper()
	frames := c.frames(id)
	require.NotEmpty(c.t, frames, "no response for %d", id)
	a := protocol.NewAssembler()
	var out json.RawMessage
	for i, f := range frames {
		require.Empty(c.t, f.Error, "request %d failed", id)
		data, done, err := a.Add(f)
		require.NoError(c.t, err)
		require.Equal(c.t, i == len(frames)-1, done)
		out = data
	}
	return out
}

// failure returns the error frame of a completed request.
func (c *client) failure(id int64) protocol.Response {
	c.t.Helper()
	frames := c.frames(id)
	require.Len(c.t, frames, 1)
	require.NotEmpty(c.t, frames[0].Error)
	return frames[0]
}

func (c *client) events(id int64) []protocol.Event {
	c.t.Helper()
	var out []protocol.Event
	for _, f := range c.frames(id) {
		var ev protocol.Event
		require.NoError(c.t, json.Unmarshal(f.Data, &ev))
		out = append(out, ev)
	}
	return out
}

func TestOwnershipTeardown(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)

	c.send(`{"id":1,"cmd":"table","name":"t","args":[[{"x":1}]]}`)
	c.send(`{"id":2,"cmd":"view","name":"t","args":[{},"v1"]}`)
	c.send(`{"id":3,"cmd":"view","name":"t","args":[{},"v2"]}`)
	c.send(`{"id":4,"cmd":"view","name":"t"}`)
	c.send(`{"id":5,"cmd":"subscribe","name":"v1","method":"on_update"}`)
	c.send(`{"id":6,"cmd":"subscribe","kind":"table","name":"t","method":"on_delete"}`)
	require.Len(t, c.frames(6), 1)
	assert.Len(t, c.s.OwnedViews(), 3)

	require.NoError(t, c.s.Close())
	require.NoError(t, c.s.Close())
	require.NoError(t, h.m.Sync(context.Background()))

	h.inspect(t, func() {
		assert.Empty(t, h.m.views)
		assert.Contains(t, h.m.tables, "t", "tables outlive their session")
		for key, list := range h.m.subs {
			for _, s := range list {
				assert.NotEqual(t, c.s.ID, s.client, "residual subscription on %v", key)
			}
		}
		assert.Empty(t, h.m.natives)
	})
	assert.Equal(t, 0, h.m.SessionCount())
	assert.Empty(t, c.s.OwnedViews())
}

func TestTableBusyInvariant(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)

	c.send(`{"id":1,"cmd":"table","name":"t","args":[{"a":"integer"}]}`)
	c.send(`{"id":2,"cmd":"view","name":"t","args":[{},"v"]}`)
	c.send(`{"id":3,"cmd":"delete","kind":"table","name":"t"}`)

	busyFrame := c.failure(3)
	assert.Equal(t, protocol.CodeBusy, busyFrame.Code)
	assert.Contains(t, busyFrame.Error, "views")

	c.send(`{"id":4,"cmd":"delete","name":"v"}`)
	c.send(`{"id":5,"cmd":"delete","kind":"table","name":"t"}`)
	assert.Empty(t, c.frames(4)[0].Error)
	assert.Empty(t, c.frames(5)[0].Error)

	err := c.try(`{"id":6,"cmd":"delete","kind":"table","name":"t"}`)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPerSessionFIFO(t *testing.T) {
	h := newHarness(t, 0, true)
	setup := h.client(t)
	setup.send(`{"id":1,"cmd":"table","name":"t","args":[[{"x":1},{"x":2}]]}`)
	setup.result(1)

	const sessions, perSession = 6, 40
	clients := make([]*client, sessions)
	for i := range clients {
		clients[i] = h.client(t)
	}
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			for id := 1; id <= perSession; id++ {
				if id%2 == 0 {
					_ = c.try(`{"id":%d,"cmd":"method","kind":"table","name":"t","method":"size"}`, id)
				} else {
					_ = c.try(`{"id":%d,"cmd":"method","kind":"table","name":"t","method":"update","args":[[{"x":%d}]]}`, id, id)
				}
			}
		}(c)
	}
	wg.Wait()
	require.NoError(t, h.m.Sync(context.Background()))

	for _, c := range clients {
		c.mu.Lock()
		require.Len(t, c.sent, perSession)
		for i, r := range c.sent {
			assert.Equal(t, int64(i+1), r.ID)
			assert.Empty(t, r.Error)
		}
		c.mu.Unlock()
	}
}

func TestChunkTermination(t *testing.T) {
	h := newHarness(t, 64, true)
	c := h.client(t)

	var rows []string
	for i := 0; i < 50; i++ {
		rows = append(rows, fmt.Sprintf(`{"n":%d,"s":"row-%d"}`, i, i))
	}
	data := "[" + strings.Join(rows, ",") + "]"
	c.send(`{"id":1,"cmd":"table","name":"t","args":[%s]}`, data)
	c.send(`{"id":2,"cmd":"view","name":"t","args":[{},"v"]}`)
	c.send(`{"id":3,"cmd":"method","name":"v","method":"to_records"}`)

	frames := c.frames(3)
	require.Greater(t, len(frames), 1)
	finals := 0
	for _, f := range frames {
		if f.Final() {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
	assert.True(t, frames[len(frames)-1].Final())
	assert.JSONEq(t, data, string(c.result(3)))

	// A new request reusing the id gets a fresh, single response.
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
	c.send(`{"id":3,"cmd":"method","name":"v","method":"num_rows"}`)
	assert.Equal(t, "50", string(c.result(3)))
}

func TestKitchenSink(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)

	c.send(`{"id":1,"cmd":"table","name":"t","args":[{"a":[0]},{"limit":100}]}`)
	c.send(`{"id":2,"cmd":"view","name":"t","args":[{},"v"]}`)
	c.send(`{"id":3,"cmd":"subscribe","name":"v","method":"on_update"}`)
	c.send(`{"id":4,"cmd":"subscribe","name":"v","method":"on_delete"}`)
	c.send(`{"id":5,"cmd":"subscribe","kind":"table","name":"t","method":"on_delete"}`)
	for i := 1; i <= 99; i++ {
		c.send(`{"id":%d,"cmd":"method","kind":"table","name":"t","method":"update","args":[[{"a":%d}]]}`, 100+i, i)
	}
	c.send(`{"id":6,"cmd":"method","kind":"table","name":"t","method":"size"}`)
	assert.Equal(t, "100", string(c.result(6)))

	updates := c.events(3)
	require.Len(t, updates, 100, "subscribed ack plus one push per update")
	assert.Equal(t, protocol.EventSubscribed, updates[0].Event)
	for _, ev := range updates[1:] {
		assert.Equal(t, protocol.EventUpdate, ev.Event)
	}

	var want []string
	for i := 0; i < 100; i++ {
		want = append(want, fmt.Sprintf(`{"a":%d}`, i))
	}
	c.send(`{"id":7,"cmd":"method","name":"v","method":"to_records"}`)
	assert.JSONEq(t, "["+strings.Join(want, ",")+"]", string(c.result(7)))

	c.send(`{"id":8,"cmd":"delete","kind":"table","name":"t"}`)
	assert.Contains(t, c.failure(8).Error, "views")

	c.send(`{"id":9,"cmd":"delete","name":"v"}`)
	c.send(`{"id":10,"cmd":"delete","kind":"table","name":"t"}`)
	assert.Empty(t, c.frames(9)[0].Error)
	assert.Empty(t, c.frames(10)[0].Error)

	viewDeletes := c.frames(4)
	require.Len(t, viewDeletes, 2)
	assert.JSONEq(t, `{"event":"delete"}`, string(viewDeletes[1].Data))
	assert.True(t, viewDeletes[1].Final())

	tableDeletes := c.frames(5)
	require.Len(t, tableDeletes, 2)
	assert.JSONEq(t, `{"event":"delete"}`, string(tableDeletes[1].Data))
	assert.True(t, tableDeletes[1].Final())

	last := c.frames(3)
	assert.True(t, last[len(last)-1].Final(), "update subscription ends when its view is deleted")
}

func TestConcurrentViewCreation(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)
	c.send(`{"id":1,"cmd":"table","name":"T","args":[{"a":"integer","b":"string"}]}`)
	c.send(`{"id":2,"cmd":"method","kind":"table","name":"T","method":"schema"}`)
	tableSchema := c.result(2)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs <- c.try(`{"id":%d,"cmd":"view","name":"T"}`, 10+id)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	names := make(map[string]bool)
	for i := 0; i < 5; i++ {
		var name string
		require.NoError(t, json.Unmarshal(c.result(int64(10+i)), &name))
		assert.False(t, names[name], "duplicate view %s", name)
		names[name] = true
	}
	id := int64(20)
	for name := range names {
		c.send(`{"id":%d,"cmd":"method","name":%q,"method":"schema"}`, id, name)
		assert.JSONEq(t, string(tableSchema), string(c.result(id)))
		id++
	}
}

func TestDisconnectDuringInFlightRequest(t *testing.T) {
	h := newHarness(t, 0, false)
	calls := 0
	s := h.m.NewSession(func(protocol.Response) error {
		calls++
		return nil
	})

	require.NoError(t, s.Process([]byte(`{"id":1,"cmd":"table","name":"t","args":[[{"a":1}]]}`), s.Post))
	require.NoError(t, s.Close())
	h.bind()

	info, err := h.m.Table(context.Background(), "t")
	require.NoError(t, err, "queued work still runs against the engine")
	assert.Equal(t, 1, info.Size)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, h.m.SessionCount())
}

func TestUnboundQueueRunsInOrder(t *testing.T) {
	h := newHarness(t, 0, false)
	c := h.client(t)

	c.send(`{"id":1,"cmd":"table","name":"t","args":[{"n":"integer"}]}`)
	for i := 2; i <= 6; i++ {
		c.send(`{"id":%d,"cmd":"method","kind":"table","name":"t","method":"update","args":[[{"n":%d}]]}`, i, i)
	}
	c.mu.Lock()
	assert.Empty(t, c.sent)
	c.mu.Unlock()

	h.bind()
	c.send(`{"id":7,"cmd":"view","name":"t","args":[{},"v"]}`)
	c.send(`{"id":8,"cmd":"method","name":"v","method":"to_records"}`)
	assert.JSONEq(t, `[{"n":2},{"n":3},{"n":4},{"n":5},{"n":6}]`, string(c.result(8)))

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.sent {
		assert.Equal(t, int64(i+1), r.ID)
	}
}

func TestFanOutToEverySubscriber(t *testing.T) {
	h := newHarness(t, 0, true)
	a, b := h.client(t), h.client(t)

	_, err := h.m.CreateTable(context.Background(), "t", json.RawMessage(`{"n":"integer"}`), engine.TableOptions{})
	require.NoError(t, err)
	_, err = h.m.CreateView(context.Background(), "t", "shared", engine.ViewConfig{})
	require.NoError(t, err)

	a.send(`{"id":1,"cmd":"subscribe","name":"shared","method":"on_update","args":[{"mode":"row"}]}`)
	b.send(`{"id":7,"cmd":"subscribe","name":"shared","method":"on_update"}`)
	a.send(`{"id":2,"cmd":"method","kind":"table","name":"t","method":"update","args":[[{"n":5}]]}`)

	aEvents := a.events(1)
	require.Len(t, aEvents, 2)
	assert.JSONEq(t, `[{"n":5}]`, string(aEvents[1].Delta))
	bEvents := b.events(7)
	require.Len(t, bEvents, 2)
	assert.Empty(t, bEvents[1].Delta)

	h.inspect(t, func() {
		assert.Len(t, h.m.natives, 1, "one engine callback per object and event")
	})

	a.send(`{"id":3,"cmd":"unsubscribe","name":"shared","method":"on_update","args":[1]}`)
	final := a.frames(1)
	assert.JSONEq(t, `{"event":"unsubscribed"}`, string(final[len(final)-1].Data))
	assert.True(t, final[len(final)-1].Final())
	h.inspect(t, func() { assert.Len(t, h.m.natives, 1) })

	b.send(`{"id":8,"cmd":"unsubscribe","name":"shared","method":"on_update","args":[7]}`)
	h.inspect(t, func() { assert.Empty(t, h.m.natives) })

	a.send(`{"id":4,"cmd":"unsubscribe","name":"shared","method":"on_update","args":[1]}`)
	assert.Equal(t, protocol.CodeNotFound, a.failure(4).Code)
}

func TestHostedViewsSurviveTeardown(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()
	_, err := h.m.CreateTable(ctx, "t", json.RawMessage(`[{"n":1}]`), engine.TableOptions{})
	require.NoError(t, err)
	_, err = h.m.CreateView(ctx, "t", "dash", engine.ViewConfig{})
	require.NoError(t, err)

	c := h.client(t)
	c.send(`{"id":1,"cmd":"method","name":"dash","method":"num_rows"}`)
	assert.Equal(t, "1", string(c.result(1)))
	require.NoError(t, c.s.Close())

	out, err := h.m.ViewRecords(ctx, "dash", engine.SerializeOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"n":1}]`, string(out))

	require.NoError(t, h.m.UnhostView(ctx, "dash"))
	assert.ErrorIs(t, h.m.UnhostView(ctx, "dash"), ErrNotFound)
}

func TestHostAndUnhostTable(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()

	assert.ErrorIs(t, h.m.UnhostTable(ctx, "missing"), ErrNotFound)

	th, err := h.m.CreateTable(ctx, "t", json.RawMessage(`[{"n":1}]`), engine.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, h.m.HostTable(ctx, "alias", th))

	infos, err := h.m.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alias", infos[0].Name)
	assert.Equal(t, "t", infos[1].Name)

	require.NoError(t, h.m.UnhostTable(ctx, "alias"))
	c := h.client(t)
	err = c.try(`{"id":1,"cmd":"method","kind":"table","name":"alias","method":"size"}`)
	assert.ErrorIs(t, err, ErrNotFound)
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, int64(1), me.ID)
}

func TestStaleViewAfterReplace(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)

	c.send(`{"id":1,"cmd":"table","name":"t","args":[[{"n":1}]]}`)
	c.send(`{"id":2,"cmd":"view","name":"t","args":[{},"v"]}`)
	c.send(`{"id":3,"cmd":"table","name":"t","args":[[{"n":2}]]}`)
	c.send(`{"id":4,"cmd":"method","name":"v","method":"to_records"}`)

	f := c.failure(4)
	assert.Equal(t, protocol.CodeEngine, f.Code)
	assert.Contains(t, f.Error, "stale")
}

func TestEngineErrorsArriveThroughPost(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)

	c.send(`{"id":1,"cmd":"table","name":"t","args":[{"a":"decimal"}]}`)
	f := c.failure(1)
	assert.Equal(t, protocol.CodeEngine, f.Code)
	assert.Contains(t, f.Error, "decimal")

	err := c.try(`{"id":2,"cmd":"method","kind":"table","name":"t","method":"size"}`)
	assert.ErrorIs(t, err, ErrNotFound, "failed creation releases its name")

	err = c.try(`{"id":3,"cmd":"nonsense","name":"t"}`)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)
	c.send(`{"id":1,"cmd":"table","name":"t","args":[[{"a":1}]]}`)

	require.NoError(t, h.m.Shutdown(context.Background()))
	assert.ErrorIs(t, c.try(`{"id":2,"cmd":"method","kind":"table","name":"t","method":"size"}`), ErrShutdown)
	assert.NoError(t, c.s.Close(), "closing after shutdown is a no-op")
	assert.ErrorIs(t, h.m.Sync(context.Background()), ErrShutdown)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.sent, 1, "queued work drains before shutdown completes")
	assert.Empty(t, c.sent[0].Error)
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()
	_, err := h.m.CreateTable(ctx, "t", json.RawMessage(`[{"id":1,"v":"a"},{"id":2,"v":"b"}]`), engine.TableOptions{Index: "id"})
	require.NoError(t, err)

	snaps, err := h.m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "id", snaps[0].Options.Index)

	other := newHarness(t, 0, true)
	require.NoError(t, other.m.Restore(ctx, snaps))
	info, err := other.m.Table(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Size)
	assert.Equal(t, "id", info.Index)
}

func TestLiveSubscriptionHoldsItsID(t *testing.T) {
	h := newHarness(t, 0, true)
	ctx := context.Background()
	_, err := h.m.CreateTable(ctx, "t", json.RawMessage(`{"n":"integer"}`), engine.TableOptions{})
	require.NoError(t, err)
	_, err = h.m.CreateView(ctx, "t", "v", engine.ViewConfig{})
	require.NoError(t, err)
	c := h.client(t)

	c.send(`{"id":3,"cmd":"subscribe","name":"v","method":"on_update"}`)
	require.Len(t, c.frames(3), 1)

	err = c.try(`{"id":3,"cmd":"method","name":"v","method":"num_rows"}`)
	assert.ErrorIs(t, err, ErrProtocol, "a live subscription id cannot be reused")

	c.send(`{"id":4,"cmd":"method","kind":"table","name":"t","method":"update","args":[[{"n":1}]]}`)
	frames := c.frames(3)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.True(t, f.More, "no final frame while the subscription is live")
	}

	c.send(`{"id":5,"cmd":"unsubscribe","name":"v","method":"on_update","args":[3]}`)
	require.True(t, c.frames(3)[2].Final())

	c.send(`{"id":3,"cmd":"method","name":"v","method":"num_rows"}`)
	frames = c.frames(3)
	require.Len(t, frames, 4)
	assert.Equal(t, "1", string(frames[3].Data))
	assert.True(t, frames[3].Final())
}

func TestDeleteReleasesSubscriptionID(t *testing.T) {
	h := newHarness(t, 0, true)
	c := h.client(t)
	c.send(`{"id":1,"cmd":"table","name":"t","args":[{"n":"integer"}]}`)
	c.send(`{"id":2,"cmd":"view","name":"t","args":[{},"v"]}`)
	c.send(`{"id":3,"cmd":"subscribe","name":"v","method":"on_delete"}`)
	c.send(`{"id":4,"cmd":"delete","name":"v"}`)

	events := c.events(3)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventDelete, events[1].Event)
	assert.NoError(t, c.try(`{"id":3,"cmd":"method","kind":"table","name":"t","method":"size"}`))
}

func TestFailedCreateKeepsOtherSessionsName(t *testing.T) {
	h := newHarness(t, 0, true)
	a, b := h.client(t), h.client(t)

	a.send(`{"id":1,"cmd":"table","name":"t","args":[{"x":"decimal"}]}`)
	ran, gate := make(chan struct{}), make(chan struct{})
	require.NoError(t, h.q.Submit(func(engine.Engine) {
		close(ran)
		<-gate
	}))
	b.send(`{"id":1,"cmd":"table","name":"t","args":[[{"n":1}]]}`)

	<-ran
	err := b.try(`{"id":2,"cmd":"method","kind":"table","name":"t","method":"size"}`)
	close(gate)
	require.NoError(t, err, "b's queued create keeps the name resolvable")

	assert.Equal(t, protocol.CodeEngine, a.failure(1).Code)
	assert.Equal(t, `"t"`, string(b.result(1)))
	assert.Equal(t, "1", string(b.result(2)))
}

func TestDeleteKeepsQueuedCreateResolvable(t *testing.T) {
	h := newHarness(t, 0, true)
	a, b := h.client(t), h.client(t)
	a.send(`{"id":1,"cmd":"table","name":"t","args":[[{"n":1}]]}`)
	require.Equal(t, `"t"`, string(a.result(1)))

	ran, gate := make(chan struct{}), make(chan struct{})
	a.send(`{"id":2,"cmd":"delete","kind":"table","name":"t"}`)
	require.NoError(t, h.q.Submit(func(engine.Engine) {
		close(ran)
		<-gate
	}))
	b.send(`{"id":1,"cmd":"table","name":"t","args":[[{"n":1},{"n":2}]]}`)

	<-ran
	err := b.try(`{"id":2,"cmd":"method","kind":"table","name":"t","method":"size"}`)
	close(gate)
	require.NoError(t, err)
	assert.Equal(t, "2", string(b.result(2)))
}
