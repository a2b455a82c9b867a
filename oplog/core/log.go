// Package core provides the process-wide logger shared by the oplog packages.
package core

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

func init() {
	// Default to a production JSON logger until ConfigureLogger is called
	l, err := newConfig(false, "info").Build()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// newConfig returns the zap configuration used by every oplogsync binary.
func newConfig(development bool, level string) zap.Config {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return config
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the global logger. A nil logger installs a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Named returns a child of the global logger scoped to a component.
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// OrDefault returns l, or the global logger when l is nil.
func OrDefault(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return GetLogger()
}

// ConfigureLogger builds a new global logger.
// level is one of debug, info, warn or error; outputPaths defaults to stderr.
func ConfigureLogger(development bool, level string, outputPaths ...string) error {
	if _, err := zapcore.ParseLevel(level); err != nil && level != "" {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := newConfig(development, level)
	if len(outputPaths) > 0 {
		config.OutputPaths = outputPaths
	}

	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	SetLogger(l)
	return nil
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = GetLogger().Sync()
}
