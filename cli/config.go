package cli

import (
	"github.com/zot/tablebridge/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	BridgeConfig  = config.BridgeConfig
	EngineConfig  = config.EngineConfig
	StorageConfig = config.StorageConfig
	LoggingConfig = config.LoggingConfig
	MCPConfig     = config.MCPConfig
	MetricsConfig = config.MetricsConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
