package config

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logState struct {
	once   sync.Once
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// SetLogger replaces the logger used by Log. Tests pass zap.NewNop().Sugar().
func (c *Config) SetLogger(l *zap.SugaredLogger) {
	c.log.once.Do(func() {})
	c.log.mu.Lock()
	c.log.logger = l
	c.log.mu.Unlock()
}

// Logger returns the sugared logger, building it from Logging.Level on first use.
func (c *Config) Logger() *zap.SugaredLogger {
	c.log.once.Do(func() {
		l, err := newLogger(c.Logging.Level)
		if err != nil {
			l = zap.NewNop().Sugar()
		}
		c.log.mu.Lock()
		c.log.logger = l
		c.log.mu.Unlock()
	})
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	return c.log.logger
}

// Log writes a message when level is within the configured verbosity.
// Level 0 messages are always written.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	l := c.Logger()
	if level == 0 {
		l.Infof(format, args...)
		return
	}
	l.Infof("[v%d] "+format, append([]interface{}{level}, args...)...)
}

// Warn writes an unconditional warning.
func (c *Config) Warn(format string, args ...interface{}) {
	c.Logger().Warnf(format, args...)
}

// Error writes an unconditional error.
func (c *Config) Error(format string, args ...interface{}) {
	c.Logger().Errorf(format, args...)
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(lvl)
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
