package logger

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Global configuration for all loggers
var (
	globalLogLevel  LogLevel = LevelInfo
	globalLogFormat string   = "json"
	globalMutex     sync.RWMutex
)

// SetGlobalConfig sets the logging configuration used by NewDefault
func SetGlobalConfig(level LogLevel, format string) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogLevel = level
	globalLogFormat = format
}

// Logger wraps zerolog.Logger with key/value helpers and a component name
type Logger struct {
	zerolog.Logger
	component string
}

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// New creates a new Logger with the given component name and level
func New(component string, level LogLevel) *Logger {
	return NewWithFormat(component, level, "")
}

// NewWithFormat creates a new Logger writing to stderr in the given format.
// Logs go to stderr so command output on stdout stays machine readable.
func NewWithFormat(component string, level LogLevel, format string) *Logger {
	var out io.Writer = os.Stderr
	if shouldUseConsoleOutput(format) {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: timeFormat,
		}
	}
	return NewWithWriter(component, level, out)
}

// NewWithWriter creates a Logger that writes JSON lines to w.
func NewWithWriter(component string, level LogLevel, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = timeFormat
	zl := zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()

	return &Logger{
		Logger:    zl,
		component: component,
	}
}

// NewDefault creates a logger from the global configuration
func NewDefault(component string) *Logger {
	globalMutex.RLock()
	level := globalLogLevel
	format := globalLogFormat
	globalMutex.RUnlock()

	return NewWithFormat(component, level, format)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), component: "nop"}
}

// ParseLevel validates a level string.
func ParseLevel(s string) (LogLevel, bool) {
	switch LogLevel(strings.ToLower(s)) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return LogLevel(strings.ToLower(s)), true
	}
	return LevelInfo, false
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// shouldUseConsoleOutput determines if we should use console (text) output
func shouldUseConsoleOutput(configFormat string) bool {
	switch strings.ToLower(configFormat) {
	case "text", "console":
		return true
	case "json":
		return false
	}

	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "text", "console":
		return true
	case "json":
		return false
	}

	// Console when attached to a terminal
	if fileInfo, err := os.Stderr.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}

	return false
}

// Debug logs a debug message with structured fields
func (l *Logger) Debug(msg string, fields ...interface{}) {
	event := l.Logger.Debug()
	addFields(event, fields...)
	event.Msg(msg)
}

// Info logs an info message with structured fields
func (l *Logger) Info(msg string, fields ...interface{}) {
	event := l.Logger.Info()
	addFields(event, fields...)
	event.Msg(msg)
}

// Warn logs a warning message with structured fields
func (l *Logger) Warn(msg string, fields ...interface{}) {
	event := l.Logger.Warn()
	addFields(event, fields...)
	event.Msg(msg)
}

// Error logs an error message with structured fields
func (l *Logger) Error(msg string, fields ...interface{}) {
	event := l.Logger.Error()
	addFields(event, fields...)
	event.Msg(msg)
}

// WithFields returns a new logger with additional default fields
func (l *Logger) WithFields(fields ...interface{}) *Logger {
	ctx := l.Logger.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			ctx = ctx.Str(key, v)
		case int:
			ctx = ctx.Int(key, v)
		case int32:
			ctx = ctx.Int32(key, v)
		case int64:
			ctx = ctx.Int64(key, v)
		case bool:
			ctx = ctx.Bool(key, v)
		case time.Duration:
			ctx = ctx.Dur(key, v)
		case error:
			ctx = ctx.AnErr(key, v)
		default:
			ctx = ctx.Interface(key, v)
		}
	}
	return &Logger{
		Logger:    ctx.Logger(),
		component: l.component,
	}
}

func addFields(event *zerolog.Event, fields ...interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			event.Str(key, v)
		case int:
			event.Int(key, v)
		case int32:
			event.Int32(key, v)
		case int64:
			event.Int64(key, v)
		case float64:
			event.Float64(key, v)
		case bool:
			event.Bool(key, v)
		case time.Duration:
			event.Dur(key, v)
		case error:
			event.AnErr(key, v)
		default:
			event.Interface(key, v)
		}
	}
}

// Component returns the component name for this logger
func (l *Logger) Component() string {
	return l.component
}

// LogPhaseStart logs the entry into a rotation phase
func (l *Logger) LogPhaseStart(role, phase, marker string) {
	l.Info("Rotation phase started",
		"role", role,
		"phase", phase,
		"marker", marker,
		"event_type", "phase_start",
	)
}

// LogRotationComplete logs the end of a successful rotation with its duration
func (l *Logger) LogRotationComplete(role, marker string, nodes int, duration time.Duration) {
	l.Info("Rotation completed",
		"role", role,
		"marker", marker,
		"nodes_rotated", nodes,
		"duration", duration,
		"event_type", "rotation_complete",
	)
}

// LogError logs error details with sufficient context for troubleshooting
func (l *Logger) LogError(operation string, err error, context ...interface{}) {
	fields := []interface{}{
		"operation", operation,
		"error", err.Error(),
		"event_type", "error",
	}
	fields = append(fields, context...)

	l.Error("Operation failed", fields...)
}

// Writer returns an io.Writer that logs each written line at the given level.
// It is meant for libraries that report progress through a plain writer.
func (l *Logger) Writer(level LogLevel) io.Writer {
	return &lineWriter{logger: l, level: level}
}

type lineWriter struct {
	mu     sync.Mutex
	logger *Logger
	level  LogLevel
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch w.level {
		case LevelDebug:
			w.logger.Debug(line)
		case LevelWarn:
			w.logger.Warn(line)
		case LevelError:
			w.logger.Error(line)
		default:
			w.logger.Info(line)
		}
	}
	return len(p), nil
}
