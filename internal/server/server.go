package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/dispatch"
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/manager"
	"github.com/zot/tablebridge/internal/mcp"
	"github.com/zot/tablebridge/internal/storage"
)

// Server is the bridge process: one engine behind one dispatch queue, the
// manager, the catalog store and the network surfaces.
type Server struct {
	config    *config.Config
	engine    *engine.Memory
	queue     *dispatch.Queue
	loop      *dispatch.Loop
	manager   *manager.Manager
	store     storage.Backend
	metrics   *Metrics
	telemetry *Telemetry
	handler   *Handler
	loader    *HotLoader
	mcpServer *mcp.Server

	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	listener     net.Listener

	base   context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a server from cfg. Nothing listens until Start.
func New(cfg *config.Config, version string) (*Server, error) {
	store, err := storage.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Type, err)
	}

	eng := engine.NewMemory()
	q := dispatch.New(eng, cfg)
	loop := dispatch.NewLoop()
	q.SetLoopCallback(loop.Schedule)
	mgr := manager.New(q, cfg)

	s := &Server{
		config:  cfg,
		engine:  eng,
		queue:   q,
		loop:    loop,
		manager: mgr,
		store:   store,
		loader:  NewHotLoader(cfg, cfg.Engine.LuaPath, q),
	}

	var hooks []Hooks
	if cfg.Metrics.Enabled {
		s.metrics = NewMetrics(mgr.SessionCount, q.Len)
		mgr.OnComplete(s.metrics.Observe)
		s.telemetry = NewTelemetry(s.metrics.ExchangeDuration)
		hooks = append(hooks, s.metrics.Hooks(), s.telemetry.Hooks())
	}
	s.handler = NewHandler(mgr, cfg, Chain(hooks...))
	if cfg.MCP.Enabled {
		s.mcpServer = mcp.NewServer(cfg, mgr, version)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Manager returns the bridge manager, for hosting tables in-process.
func (s *Server) Manager() *manager.Manager {
	return s.manager
}

// Start loads libraries and the stored catalog, then starts serving. It
// returns the websocket URL.
func (s *Server) Start(ctx context.Context) (string, error) {
	if err := s.loader.LoadAll(ctx); err != nil {
		return "", fmt.Errorf("loading Lua libraries: %w", err)
	}
	if err := s.restore(ctx); err != nil {
		return "", fmt.Errorf("restoring catalog: %w", err)
	}
	if s.config.Engine.HotReload {
		if err := s.loader.Start(); err != nil {
			s.config.Log(0, "HotLoader: cannot watch %s: %v", s.config.Engine.LuaPath, err)
		}
	}

	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	// Update port in config if it was 0
	if s.config.Server.Port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	s.httpEndpoint = NewHTTPEndpoint(s.base, s.config, s.manager, s.handler, s.metrics)
	s.httpServer = &http.Server{
		Handler:           s.httpEndpoint,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(s.base)
	s.group = group
	group.Go(func() error {
		s.config.Log(0, "HTTP server listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	if s.mcpServer != nil {
		group.Go(func() error {
			err := s.mcpServer.Serve(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		})
	}

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(s.config.Server.Port)), s.config.Server.Path), nil
}

// Wait blocks until the serving goroutines stop and returns the first
// error among them.
func (s *Server) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

func (s *Server) restore(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	snaps := make([]manager.TableSnapshot, 0, len(records))
	for _, r := range records {
		snaps = append(snaps, manager.TableSnapshot{
			Name:    r.Name,
			Options: r.Options,
			Schema:  r.Schema,
			Rows:    r.Rows,
		})
	}
	if len(snaps) == 0 {
		return nil
	}
	if err := s.manager.Restore(ctx, snaps); err != nil {
		return err
	}
	s.config.Log(1, "restored %d tables from %s storage", len(snaps), s.config.Storage.Type)
	return nil
}

func (s *Server) persist(ctx context.Context) error {
	snaps, err := s.manager.Snapshot(ctx)
	if err != nil {
		return err
	}
	records := make([]*storage.TableRecord, 0, len(snaps))
	now := time.Now().UTC()
	for _, snap := range snaps {
		records = append(records, &storage.TableRecord{
			Name:    snap.Name,
			Options: snap.Options,
			Schema:  snap.Schema,
			Rows:    snap.Rows,
			SavedAt: now,
		})
	}
	if err := storage.ReplaceAll(ctx, s.store, records); err != nil {
		return err
	}
	s.config.Log(1, "saved %d tables to %s storage", len(records), s.config.Storage.Type)
	return nil
}

// Shutdown stops the server in reverse start order: file watching, new
// connections, open connections (waiting for their sessions to close), the
// catalog snapshot, the queue, and finally the engine and store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.loader.Stop()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// Ends every Handler.Run, closing its session. Their view cleanup is
	// queued before the snapshot below.
	s.cancel()
	if s.httpEndpoint != nil {
		if err := s.httpEndpoint.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for connections: %w", err))
		}
	}

	if err := s.persist(ctx); err != nil {
		errs = append(errs, fmt.Errorf("saving catalog: %w", err))
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.loop.Stop()
	if err := s.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
