package server

import (
	"errors"
	"sync"

	"github.com/eapache/queue"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/protocol"
)

var (
	// ErrClosed is returned by Enqueue once the outbox stopped accepting
	// frames, either because it was closed or because a write failed.
	ErrClosed = errors.New("outbox closed")

	// ErrOverflow is returned when a connection falls more than the
	// configured limit behind. The connection is closed in the background;
	// Enqueue runs inside engine tasks and must not wait on a slow peer.
	ErrOverflow = errors.New("outbox limit exceeded")
)

// outgoing is a response with its encoded frame.
type outgoing struct {
	resp protocol.Response
	data []byte
}

// Outbox holds one connection's outbound frames. Enqueue never blocks:
// frames go onto an unbounded FIFO and a single writer goroutine sends them
// in order.
type Outbox struct {
	conn  Conn
	cfg   *config.Config
	limit int

	mu      sync.Mutex
	frames  *queue.Queue
	closed  bool
	started bool
	err     error
	onSent  func(protocol.Response)

	signal chan struct{}
	done   chan struct{}
}

// NewOutbox creates an outbox for conn. A limit of zero means unbounded.
// Frames enqueued before Start are held until the writer runs.
func NewOutbox(conn Conn, limit int, cfg *config.Config) *Outbox {
	return &Outbox{
		conn:   conn,
		cfg:    cfg,
		limit:  limit,
		frames: queue.New(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the writer. onSent, if not nil, is called after each frame
// is written.
func (o *Outbox) Start(onSent func(protocol.Response)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.onSent = onSent
	go o.run()
}

// Enqueue queues r for writing.
func (o *Outbox) Enqueue(r protocol.Response) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.limit > 0 && o.frames.Length() >= o.limit {
		o.closed = true
		o.err = ErrOverflow
		o.frames = queue.New()
		o.mu.Unlock()
		o.cfg.Warn("outbox: %d frames queued, dropping connection", o.limit)
		o.wake()
		go o.conn.Close()
		return ErrOverflow
	}
	o.frames.Add(outgoing{resp: r, data: data})
	o.mu.Unlock()
	o.wake()
	return nil
}

// Len returns the number of frames waiting to be written.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames.Length()
}

// Err returns the error that stopped the outbox, if any.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Close stops accepting frames and waits for the writer to flush what is
// already queued.
func (o *Outbox) Close() error {
	o.mu.Lock()
	o.closed = true
	started := o.started
	o.mu.Unlock()
	o.wake()
	if started {
		<-o.done
	}
	return nil
}

func (o *Outbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if o.frames.Length() == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.signal
			continue
		}
		f := o.frames.Remove().(outgoing)
		onSent := o.onSent
		o.mu.Unlock()

		o.cfg.Log(4, "[OUT] %s", f.data)
		if err := o.conn.WriteFrame(f.data); err != nil {
			o.fail(err)
			return
		}
		if onSent != nil {
			onSent(f.resp)
		}
	}
}

// fail stops the outbox after a write error and drops the backlog.
func (o *Outbox) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Log(1, "outbox: write failed, dropping %d frames: %v", o.frames.Length(), err)
	o.closed = true
	if o.err == nil {
		o.err = err
	}
	o.frames = queue.New()
}
