package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/protocol"
)

// fakeConn is an in-memory Conn. Frames pushed on in are read; written
// frames appear on out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu         sync.Mutex
	writeErr   error
	block      chan struct{} // when set, writes wait on it
	closeBlock chan struct{} // when set, Close waits on it

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	err, block := c.writeErr, c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	c.out <- append([]byte(nil), frame...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	block := c.closeBlock
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// next decodes the next written frame.
func (c *fakeConn) next(t *testing.T) protocol.Response {
	t.Helper()
	select {
	case f := <-c.out:
		r, err := protocol.DecodeResponse(f)
		if err != nil {
			t.Fatalf("decoding %s: %v", f, err)
		}
		return *r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return protocol.Response{}
}

func TestOutboxPreservesOrder(t *testing.T) {
	conn := newFakeConn()
	out := NewOutbox(conn, 0, config.DefaultConfig())

	// Frames queued before Start are held.
	for i := int64(1); i <= 3; i++ {
		if err := out.Enqueue(protocol.Response{ID: i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if out.Len() != 3 {
		t.Errorf("expected 3 queued frames before Start, got %d", out.Len())
	}

	var sent []int64
	var mu sync.Mutex
	out.Start(func(r protocol.Response) {
		mu.Lock()
		sent = append(sent, r.ID)
		mu.Unlock()
	})
	for i := int64(4); i <= 50; i++ {
		out.Enqueue(protocol.Response{ID: i})
	}
	for i := int64(1); i <= 50; i++ {
		if r := conn.next(t); r.ID != i {
			t.Fatalf("frame %d out of order: got id %d", i, r.ID)
		}
	}
	out.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 50 {
		t.Errorf("onSent called %d times, want 50", len(sent))
	}
}

func TestOutboxCloseFlushesAndRejects(t *testing.T) {
	conn := newFakeConn()
	out := NewOutbox(conn, 0, config.DefaultConfig())
	out.Start(nil)
	out.Enqueue(protocol.Response{ID: 1})
	out.Enqueue(protocol.Response{ID: 2})
	out.Close()

	if len(conn.out) != 2 {
		t.Errorf("Close should flush queued frames, %d written", len(conn.out))
	}
	if err := out.Enqueue(protocol.Response{ID: 3}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close: got %v, want ErrClosed", err)
	}
}

func TestOutboxWriteFailureStops(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	out := NewOutbox(conn, 0, config.DefaultConfig())
	out.Start(nil)
	out.Enqueue(protocol.Response{ID: 1})

	deadline := time.Now().Add(2 * time.Second)
	for out.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if out.Err() == nil {
		t.Fatal("expected the write error to stop the outbox")
	}
	if err := out.Enqueue(protocol.Response{ID: 2}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after write failure: got %v, want ErrClosed", err)
	}
	out.Close()
}

func TestOutboxOverflowDropsConnection(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	conn.closeBlock = make(chan struct{})
	out := NewOutbox(conn, 2, config.DefaultConfig())

	out.Enqueue(protocol.Response{ID: 1})
	out.Enqueue(protocol.Response{ID: 2})

	// Closing the peer is slow; the overflowing Enqueue must not wait for it.
	result := make(chan error, 1)
	go func() { result <- out.Enqueue(protocol.Response{ID: 3}) }()
	select {
	case err := <-result:
		if !errors.Is(err, ErrOverflow) {
			t.Fatalf("third Enqueue: got %v, want ErrOverflow", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on closing the connection")
	}
	if err := out.Enqueue(protocol.Response{ID: 4}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after overflow: got %v, want ErrClosed", err)
	}

	close(conn.closeBlock)
	waitFor(t, conn.isClosed)
	close(conn.block)
	out.Close()
}

func TestTelemetryObservesFinalFrame(t *testing.T) {
	var observed []float64
	tel := NewTelemetry(prometheus.ObserverFunc(func(v float64) { observed = append(observed, v) }))
	clock := time.Unix(100, 0)
	tel.now = func() time.Time { return clock }
	h := tel.Hooks()

	h.OnReceive("s1", []byte(`{"id":7,"cmd":"subscribe"}`))
	h.OnReceive("s1", []byte(`not json`))
	if tel.Open() != 1 {
		t.Fatalf("expected one open exchange, got %d", tel.Open())
	}

	clock = clock.Add(250 * time.Millisecond)
	h.OnSend("s1", protocol.Response{ID: 7, More: true})
	if len(observed) != 0 {
		t.Error("non-final frames should not be observed")
	}
	h.OnSend("s1", protocol.Response{ID: 7})
	if len(observed) != 1 || observed[0] != 0.25 {
		t.Errorf("observed = %v, want [0.25]", observed)
	}
	if tel.Open() != 0 {
		t.Errorf("exchange should be closed, %d open", tel.Open())
	}

	h.OnReceive("s2", []byte(`{"id":1}`))
	h.OnClose("s2")
	if tel.Open() != 0 {
		t.Errorf("closing a session should drop its exchanges, %d open", tel.Open())
	}
}

func TestChainCallsEveryHook(t *testing.T) {
	var calls []string
	a := Hooks{OnReceive: func(string, []byte) { calls = append(calls, "a") }}
	b := Hooks{
		OnReceive: func(string, []byte) { calls = append(calls, "b") },
		OnSend:    func(string, protocol.Response) { calls = append(calls, "b-send") },
	}
	h := Chain(a, b)
	h.OnReceive("s", nil)
	h.OnSend("s", protocol.Response{})
	h.OnClose("s")
	want := []string{"a", "b", "b-send"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", calls, want)
		}
	}
}
