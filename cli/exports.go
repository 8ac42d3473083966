package cli

import (
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/manager"
	"github.com/zot/tablebridge/internal/server"
)

// Re-export the types a wrapper project needs to host tables in-process.
type (
	Server       = server.Server
	Manager      = manager.Manager
	TableOptions = engine.TableOptions
	ViewConfig   = engine.ViewConfig
	TableHandle  = engine.TableHandle
	ViewHandle   = engine.ViewHandle
)

// NewServer builds a server; its Manager hosts tables before or after
// Start.
func NewServer(cfg *Config) (*Server, error) {
	return server.New(cfg, Version)
}
