// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config holds all configuration settings for the bridge server.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Engine  EngineConfig  `toml:"engine"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	MCP     MCPConfig     `toml:"mcp"`
	Metrics MetricsConfig `toml:"metrics"`

	log logState
}

// ServerConfig holds listener and websocket settings.
type ServerConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	Path         string   `toml:"path"`          // websocket upgrade path
	ReadLimit    int64    `toml:"read_limit"`    // max inbound frame size in bytes
	WriteTimeout Duration `toml:"write_timeout"` // per-frame write deadline
	PingInterval Duration `toml:"ping_interval"` // 0 disables keepalive pings
	Dir          string   `toml:"-"`             // config directory (CLI only)
}

// BridgeConfig holds session/manager settings.
type BridgeConfig struct {
	ChunkSize   int `toml:"chunk_size"`   // max payload bytes per outbound frame
	OutboxLimit int `toml:"outbox_limit"` // max queued outbound frames per connection (0 = unbounded)
}

// EngineConfig holds table engine settings.
type EngineConfig struct {
	LuaPath   string `toml:"lua_path"`   // directory of Lua expression libraries
	HotReload bool   `toml:"hot_reload"` // watch LuaPath and reload on change
}

// StorageConfig holds catalog persistence settings.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=connections, 2=messages, 3=tasks, 4=payloads
}

// MCPConfig holds the MCP admin surface settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// MetricsConfig holds prometheus settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Path:         "/ws",
			ReadLimit:    16 << 20,
			WriteTimeout: Duration(10 * time.Second),
			PingInterval: Duration(30 * time.Second),
		},
		Bridge: BridgeConfig{
			ChunkSize: 64 * 1024,
		},
		Engine: EngineConfig{
			LuaPath: "lua/",
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "tablebridge.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("tablebridge", pflag.ContinueOnError)
	AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// AddFlags registers every config flag on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("dir", "", "Directory holding config/config.toml")

	fs.String("host", "", "Listen address")
	fs.Int("port", 0, "Listen port")
	fs.String("path", "", "Websocket upgrade path")

	fs.Int("chunk-size", 0, "Max payload bytes per outbound frame")

	fs.String("lua-path", "", "Lua expression library directory")
	fs.Bool("hot-reload", false, "Reload Lua libraries on change")

	fs.String("storage", "", "Catalog storage: memory, sqlite, postgresql")
	fs.String("storage-path", "", "SQLite database path")
	fs.String("storage-url", "", "PostgreSQL connection URL")

	fs.Bool("mcp", false, "Serve the MCP admin surface on stdio")
	fs.Bool("metrics", true, "Expose prometheus metrics on /metrics")

	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.CountP("verbose", "v", "Verbosity level (use -v, -vv, or -vvv)")
}

// FromFlags builds a Config from an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	dir, _ := fs.GetString("dir")
	configPath := "config/config.toml"
	if dir != "" {
		configPath = dir + "/config/config.toml"
	}
	if err := cfg.loadTOML(configPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading %s: %w", configPath, err)
	}

	cfg.applyEnv()

	if v, _ := fs.GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := fs.GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v, _ := fs.GetString("path"); v != "" {
		cfg.Server.Path = v
	}
	if v, _ := fs.GetInt("chunk-size"); v != 0 {
		cfg.Bridge.ChunkSize = v
	}
	if v, _ := fs.GetString("lua-path"); v != "" {
		cfg.Engine.LuaPath = v
	}
	if fs.Changed("hot-reload") {
		cfg.Engine.HotReload, _ = fs.GetBool("hot-reload")
	}
	if v, _ := fs.GetString("storage"); v != "" {
		cfg.Storage.Type = v
	}
	if v, _ := fs.GetString("storage-path"); v != "" {
		cfg.Storage.Path = v
	}
	if v, _ := fs.GetString("storage-url"); v != "" {
		cfg.Storage.URL = v
	}
	if fs.Changed("mcp") {
		cfg.MCP.Enabled, _ = fs.GetBool("mcp")
	}
	if fs.Changed("metrics") {
		cfg.Metrics.Enabled, _ = fs.GetBool("metrics")
	}
	if v, _ := fs.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := fs.GetCount("verbose"); v > 0 {
		cfg.Logging.Verbosity = v
	}

	cfg.Server.Dir = dir
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Bridge.ChunkSize <= 0 {
		return fmt.Errorf("bridge.chunk_size must be positive, got %d", c.Bridge.ChunkSize)
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "postgresql":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TB_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TB_PATH"); v != "" {
		c.Server.Path = v
	}
	if v := os.Getenv("TB_CHUNK_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Bridge.ChunkSize = size
		}
	}
	if v := os.Getenv("TB_LUA_PATH"); v != "" {
		c.Engine.LuaPath = v
	}
	if v := os.Getenv("TB_HOT_RELOAD"); v != "" {
		c.Engine.HotReload = v == "true" || v == "1"
	}
	if v := os.Getenv("TB_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("TB_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TB_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("TB_MCP"); v != "" {
		c.MCP.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TB_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
