package server

import (
	"context"
	"errors"
	"io"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/manager"
	"github.com/zot/tablebridge/internal/protocol"
)

// Handler binds connections to manager sessions.
type Handler struct {
	mgr   *manager.Manager
	cfg   *config.Config
	hooks Hooks
}

// NewHandler creates a handler that serves connections for mgr.
func NewHandler(mgr *manager.Manager, cfg *config.Config, hooks Hooks) *Handler {
	return &Handler{mgr: mgr, cfg: cfg, hooks: hooks}
}

// Log logs a message via the config.
func (h *Handler) Log(level int, format string, args ...interface{}) {
	h.cfg.Log(level, format, args...)
}

// Run serves conn until it fails or ctx is done. However it returns, the
// session is closed first, so the views it created are deleted, and then the
// outbox and connection are closed.
func (h *Handler) Run(ctx context.Context, conn Conn) error {
	out := NewOutbox(conn, h.cfg.Bridge.OutboxLimit, h.cfg)
	sess := h.mgr.NewSession(out.Enqueue)
	out.Start(func(r protocol.Response) { h.hooks.sent(sess.ID, r) })

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		if err := sess.Close(); err != nil {
			h.Log(1, "closing session %s: %v", sess.ID, err)
		}
		h.hooks.closed(sess.ID)
		out.Close()
		conn.Close()
	}()

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || !unexpectedClose(err) {
				h.Log(1, "connection for session %s ended: %v", sess.ID, err)
				return nil
			}
			h.Log(0, "WebSocket error: %v", err)
			return err
		}
		h.Log(4, "[IN] %s", frame)
		h.hooks.received(sess.ID, frame)

		// Rejections skip the queue and may overtake earlier responses; the
		// frame carries the request id.
		if err := sess.Process(frame, sess.Post); err != nil {
			var id int64
			var me *manager.Error
			if errors.As(err, &me) {
				id = me.ID
			}
			h.Log(2, "request %d of session %s rejected: %v", id, sess.ID, err)
			sess.Post(manager.Response(id, err))
		}
	}
}
