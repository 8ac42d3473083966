// Package server is the transport side of the bridge: websocket
// connections, the per-connection outbox and the process wiring.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zot/tablebridge/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Conn is a framed, bidirectional client transport. ReadFrame is called from
// one goroutine and WriteFrame from another; Close may be called from any.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, cfg *config.Config) *wsConn {
	c := &wsConn{
		conn:         conn,
		writeTimeout: cfg.Server.WriteTimeout.Duration(),
		pingInterval: cfg.Server.PingInterval.Duration(),
		done:         make(chan struct{}),
	}
	if cfg.Server.ReadLimit > 0 {
		conn.SetReadLimit(cfg.Server.ReadLimit)
	}
	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive()
	}
	return c
}

// Upgrade performs the websocket handshake and returns the connection.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg *config.Config) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, cfg), nil
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, message, err := c.conn.ReadMessage()
	return message, err
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// keepalive pings until the connection closes. WriteControl may run
// concurrently with WriteMessage.
func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pingInterval)); err != nil {
				return
			}
		}
	}
}

// unexpectedClose reports read errors worth logging.
func unexpectedClose(err error) bool {
	if _, ok := err.(*websocket.CloseError); !ok {
		return false
	}
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure)
}
