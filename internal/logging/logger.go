// Package logging provides the orchestrator's structured logger: logrus
// entries tagged with a component name and optional correlation id,
// console and rotating-file outputs, one shared configuration applied by
// SetupLogging.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig selects level, format, and output destinations.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"` // "text" or "json"
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSize    int    `mapstructure:"max_file_size"` // MB per rotated file
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

// correlationIDKey is the context key ContextWithCorrelationID stores ids under.
type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// Fields aliases logrus.Fields so callers never import logrus directly.
type Fields = logrus.Fields

// Logger is a component-tagged view over the shared logrus logger. The
// With* methods return derived views; the underlying output and level are
// shared and controlled by SetupLogging.
type Logger struct {
	entry *logrus.Entry
}

var (
	base     *logrus.Logger
	baseOnce sync.Once

	componentsMu sync.Mutex
	components   = make(map[string]*Logger)
)

func baseLogger() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetFormatter(textFormatter())
		base.SetOutput(os.Stdout)
	})
	return base
}

// GetLogger returns the root logger with no component tag.
func GetLogger() *Logger {
	return &Logger{entry: logrus.NewEntry(baseLogger())}
}

// GetComponentLogger returns the shared logger tagged with component.
// Loggers are cached per component name.
func GetComponentLogger(component string) *Logger {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	if l, ok := components[component]; ok {
		return l
	}
	l := &Logger{entry: baseLogger().WithField("component", component)}
	components[component] = l
	return l
}

// SetupLogging applies config to the shared logger: level, formatter, and
// console/file outputs. File output rotates via lumberjack.
func SetupLogging(config *LoggingConfig) error {
	logger := baseLogger()

	level, err := logrus.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(config.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05"})
	} else {
		logger.SetFormatter(textFormatter())
	}

	var outputs []interface{ Write([]byte) (int, error) }
	if config.ConsoleEnabled {
		outputs = append(outputs, os.Stdout)
	}
	if config.FileEnabled && config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		outputs = append(outputs, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxFileSize,
			MaxBackups: config.BackupCount,
			MaxAge:     30,
			Compress:   true,
		})
	}
	switch len(outputs) {
	case 0:
		logger.SetOutput(os.Stdout)
	case 1:
		logger.SetOutput(outputs[0])
	default:
		logger.SetOutput(multiWriter(outputs))
	}
	return nil
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

type multiOut []interface{ Write([]byte) (int, error) }

func multiWriter(ws multiOut) multiOut { return ws }

func (m multiOut) Write(p []byte) (int, error) {
	for _, w := range m {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// WithField derives a logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields derives a logger with several extra fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError derives a logger carrying err under the standard error key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithCorrelationID derives a logger tagged with a request correlation id,
// pulling the id from ctx when one was stored there.
func (l *Logger) WithCorrelationID(ctx context.Context) *Logger {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return &Logger{entry: l.entry.WithField("correlation_id", id)}
	}
	return l
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// NewCorrelationID returns a fresh id for tracing one request across
// components.
func NewCorrelationID() string { return uuid.New().String() }

// ContextWithCorrelationID stores id in ctx for WithCorrelationID to pick
// up downstream.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the stored id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
