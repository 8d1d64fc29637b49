package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger and provides structured logging with automatic
// sensitive data redaction.
//
// It composes:
//   - FileWriter (log file rotation via lumberjack)
//   - MultiCore (tee output to console + file)
//   - redactingCore (token and API key redaction on every write)
//
// Redaction lives in the core, so the *zap.Logger returned by Zap() and
// handed to worker packages redacts as well.
//
// Example:
//
//	logger, err := NewLogger(Options{Development: true, FilePath: "data/bot.log"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("bot connected", zap.String("user", "diffuse-pilot#0001"))
type Logger struct {
	zap           *zap.Logger
	sugar         *zap.SugaredLogger
	isDevelopment bool
	logFilePath   string
}

// Options configures NewLogger.
type Options struct {
	// Development enables colored console output.
	Development bool

	// Level is the minimum level as a string ("debug", "info", ...).
	// Empty means debug in development and info otherwise.
	Level string

	// FilePath is the JSON log file. Its parent directory is created if missing.
	FilePath string

	// File controls rotation. Zero values use the package defaults.
	File FileWriterConfig
}

// NewLogger creates a Logger writing to stdout and a rotated JSON file.
func NewLogger(opts Options) (*Logger, error) {
	defaultLevel := zapcore.InfoLevel
	if opts.Development {
		defaultLevel = zapcore.DebugLevel
	}
	level := ParseLogLevelString(opts.Level, defaultLevel)

	if opts.FilePath == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if dir := filepath.Dir(opts.FilePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	fileConfig := opts.File
	if fileConfig == (FileWriterConfig{}) {
		fileConfig = DefaultFileWriterConfig()
	}
	fileWriter := NewFileWriterWithConfig(opts.FilePath, fileConfig)

	core := NewMultiCore(level, zapcore.Lock(os.Stdout), fileWriter, opts.Development)
	return newLogger(core, opts.Development, opts.FilePath), nil
}

// NewLoggerFromCore builds a Logger over an existing core. Tests use it with
// zaptest/observer cores.
func NewLoggerFromCore(core zapcore.Core) *Logger {
	return newLogger(core, false, "")
}

func newLogger(core zapcore.Core, isDevelopment bool, logFilePath string) *Logger {
	zapLogger := zap.New(&redactingCore{Core: core},
		zap.AddCaller(),
		zap.AddCallerSkip(1), // Skip this wrapper layer
	)
	return &Logger{
		zap:           zapLogger,
		sugar:         zapLogger.Sugar(),
		isDevelopment: isDevelopment,
		logFilePath:   logFilePath,
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

// Debug logs a message at DebugLevel with optional structured fields.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

// Info logs a message at InfoLevel with optional structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

// Warn logs a message at WarnLevel with optional structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

// Error logs a message at ErrorLevel with optional structured fields.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}

// Fatal logs a message at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, fields...)
}

// Infow logs a message at InfoLevel with loosely-typed key-value pairs.
//
// Example:
//
//	logger.Infow("request enqueued", "request_id", id, "priority", 0)
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warnw logs a message at WarnLevel with loosely-typed key-value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Errorw logs a message at ErrorLevel with loosely-typed key-value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Infof logs a formatted message at InfoLevel.
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// With creates a child logger with additional fields that will be included
// in all log entries from the child.
//
// Example:
//
//	reqLogger := logger.With(logging.RequestFields(requestID, "sd")...)
//	reqLogger.Info("processing request")
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.zap.With(fields...)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named adds a sub-logger name, e.g. "queue" or "discord".
func (l *Logger) Named(name string) *Logger {
	child := l.zap.Named(name)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap returns the underlying zap.Logger with the caller skip removed, for
// packages that take a *zap.Logger directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap.WithOptions(zap.AddCallerSkip(-1))
}

// IsDevelopment returns true if the logger is configured for development mode.
func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

// LogFilePath returns the path to the log file.
func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

// redactingCore scrubs sensitive values from messages and fields before
// they reach the wrapped core.
type redactingCore struct {
	zapcore.Core
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactSensitiveData(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

// redactFields returns a copy of fields with sensitive names or values replaced.
func redactFields(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}

	result := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		result[i] = redactField(field)
	}
	return result
}

func redactField(field zapcore.Field) zapcore.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}

	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			msg := err.Error()
			if redacted := RedactSensitiveData(msg); redacted != msg {
				return zap.String(field.Key, redacted)
			}
		}
	}

	return field
}
