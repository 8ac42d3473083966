package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/manager"
)

// HTTPEndpoint serves the websocket upgrade, health and metrics routes.
type HTTPEndpoint struct {
	cfg     *config.Config
	mgr     *manager.Manager
	handler *Handler
	metrics *Metrics
	mux     *http.ServeMux
	started time.Time

	// base is the lifetime of upgraded connections. It outlives the
	// request context, which ends when ServeHTTP returns.
	base  context.Context
	conns sync.WaitGroup
}

// NewHTTPEndpoint creates the endpoint. metrics may be nil.
func NewHTTPEndpoint(base context.Context, cfg *config.Config, mgr *manager.Manager, handler *Handler, metrics *Metrics) *HTTPEndpoint {
	h := &HTTPEndpoint{
		cfg:     cfg,
		mgr:     mgr,
		handler: handler,
		metrics: metrics,
		mux:     http.NewServeMux(),
		started: time.Now(),
		base:    base,
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc(h.cfg.Server.Path, h.handleWebSocket)
	h.mux.HandleFunc("/healthz", h.handleHealth)
	if h.metrics != nil {
		h.mux.Handle("/metrics", h.metrics.Handler())
	}
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r, h.cfg)
	if err != nil {
		h.cfg.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}
	h.cfg.Log(1, "WebSocket connected from %s", r.RemoteAddr)
	h.conns.Add(1)
	go func() {
		defer h.conns.Done()
		h.handler.Run(h.base, conn)
	}()
}

// Wait blocks until every connection handler has returned, and so closed
// its session, or until ctx is done.
func (h *HTTPEndpoint) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health is the /healthz body.
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

func (h *HTTPEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := Health{
		Status:   "ok",
		Sessions: h.mgr.SessionCount(),
		Uptime:   time.Since(h.started).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
