// Package client is a Go client for the tablebridge websocket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zot/tablebridge/internal/protocol"
)

// Request and Response are the wire messages.
type (
	Request  = protocol.Request
	Response = protocol.Response
)

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("connection closed")

// Error is an error frame from the server.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type result struct {
	data json.RawMessage
	err  error
}

// exchange is one in-flight request. Calls reassemble chunks; subscriptions
// hand every frame to onFrame.
type exchange struct {
	onFrame func(Response)
	first   chan result
	done    chan result
	started bool
}

// Conn is one websocket connection. It is safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	waiters map[int64]*exchange
	asm     *protocol.Assembler
	err     error

	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial connects to a bridge websocket URL such as ws://localhost:8080/ws.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c := &Conn{
		ws:       ws,
		waiters:  make(map[int64]*exchange),
		asm:      protocol.NewAssembler(),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Outstanding calls fail with ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.readDone
	})
	return err
}

// Call sends req and waits for its final frame, returning the reassembled
// data. A zero req.ID is replaced with the next free id.
func (c *Conn) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	ex := &exchange{done: make(chan result, 1)}
	id, err := c.start(&req, ex)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ex.done:
		return r.data, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Subscription is an active subscribe exchange.
type Subscription struct {
	ID   int64
	done chan result
	err  error
	once sync.Once
	fin  chan struct{}
}

// Done is closed after the final frame arrives or the connection fails.
func (s *Subscription) Done() <-chan struct{} {
	s.once.Do(func() {
		go func() {
			r := <-s.done
			s.err = r.err
			close(s.fin)
		}()
	})
	return s.fin
}

// Err returns the error that ended the subscription, after Done is closed.
func (s *Subscription) Err() error {
	<-s.Done()
	return s.err
}

// Subscribe sends a subscribe request and waits for its acknowledgement.
// Every frame of the exchange, from the acknowledgement through the final
// frame, is passed to fn on the connection's reader goroutine; fn must not
// block.
func (c *Conn) Subscribe(ctx context.Context, req Request, fn func(Response)) (*Subscription, error) {
	ex := &exchange{
		onFrame: fn,
		first:   make(chan result, 1),
		done:    make(chan result, 1),
	}
	id, err := c.start(&req, ex)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ex.first:
		if r.err != nil {
			return nil, r.err
		}
		return &Subscription{ID: id, done: ex.done, fin: make(chan struct{})}, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Unsubscribe ends sub. Its final frame still goes to the subscribe
// callback.
func (c *Conn) Unsubscribe(ctx context.Context, kind protocol.Kind, name, event string, sub *Subscription) error {
	id, _ := json.Marshal(sub.ID)
	_, err := c.Call(ctx, Request{
		Cmd:    protocol.CmdUnsubscribe,
		Kind:   kind,
		Name:   name,
		Method: event,
		Args:   []json.RawMessage{id},
	})
	return err
}

func (c *Conn) start(req *Request, ex *exchange) (int64, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return 0, c.err
	}
	if req.ID == 0 {
		c.nextID++
		req.ID = c.nextID
	}
	if _, busy := c.waiters[req.ID]; busy {
		c.mu.Unlock()
		return 0, fmt.Errorf("request id %d is already in flight", req.ID)
	}
	c.waiters[req.ID] = ex
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err == nil {
		c.writeMu.Lock()
		err = c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
	if err != nil {
		c.forget(req.ID)
		return 0, err
	}
	return req.ID, nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
	c.asm.Reset(id)
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			continue
		}
		c.deliver(*resp)
	}
}

func (c *Conn) deliver(r Response) {
	c.mu.Lock()
	ex, ok := c.waiters[r.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if r.Final() {
		delete(c.waiters, r.ID)
	}

	if ex.onFrame == nil {
		if r.Error != "" {
			c.asm.Reset(r.ID)
			c.mu.Unlock()
			ex.done <- result{err: &Error{Code: r.Code, Message: r.Error}}
			return
		}
		payload, complete, err := c.asm.Add(r)
		c.mu.Unlock()
		if complete {
			ex.done <- result{data: payload, err: err}
		}
		return
	}
	first := !ex.started
	ex.started = true
	c.mu.Unlock()

	var err error
	if r.Error != "" {
		err = &Error{Code: r.Code, Message: r.Error}
	}
	if first {
		ex.first <- result{data: r.Data, err: err}
		if err != nil {
			return
		}
	}
	ex.onFrame(r)
	if r.Final() {
		ex.done <- result{err: err}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	waiters := c.waiters
	c.waiters = make(map[int64]*exchange)
	c.mu.Unlock()
	for _, ex := range waiters {
		r := result{err: fmt.Errorf("%w: %v", ErrClosed, err)}
		if ex.first != nil && !ex.started {
			ex.first <- r
		}
		ex.done <- r
	}
}
