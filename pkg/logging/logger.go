// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// FileConfig configures the rotating error log.
type FileConfig struct {
	// Path of the log file. Empty disables the file sink.
	Path string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File receives warnings and errors in addition to Output.
	File FileConfig
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
		File: FileConfig{
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
	}
}

var (
	sinkMu   sync.Mutex
	fileSink *lumberjack.Logger
)

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	if sink := openFileSink(cfg.File); sink != nil {
		output = zerolog.MultiLevelWriter(output, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: sink},
			Level:  zerolog.WarnLevel,
		})
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// openFileSink replaces the current file sink. It returns nil when the file
// sink is disabled.
func openFileSink(fc FileConfig) *lumberjack.Logger {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
	if fc.Path == "" {
		return nil
	}
	if fc.MaxSizeMB <= 0 {
		fc.MaxSizeMB = 5
	}
	if fc.MaxBackups <= 0 {
		fc.MaxBackups = 5
	}
	fileSink = &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
	}
	return fileSink
}

// Close flushes and closes the file sink, if any.
func Close() error {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	return err
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, identifier)
//   - Connection lifecycle per credential
//   - Lane completion, health check details
//
// Info: Normal operation events
//   - Batch start and completion
//   - Connections acquired, proxies bound
//   - Health check summaries
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit cooldowns
//   - Reconnect attempts, abandoned chunks
//   - Deactivated credentials
//   - Cache errors (fallback to the remote service)
//
// Error: Error conditions requiring attention
//   - Failed batches
//   - Persistence failures
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the entry
//   - batch_id: batch being processed
//   - credential_id: credential behind a connection
//   - lane: dispatch lane index
//   - proxy: proxy address (never includes the password)
//   - wait: cooldown requested by the remote service
