// Package logging provides the process-wide component logger. Output goes to
// the configured log file and is mirrored to stdout; secret-looking values are
// redacted before a line is written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines the minimal printf-style logging contract components depend on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ParseLevel maps a LOG_LEVEL string to a Level. Unknown values default to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

type rootLogger struct {
	mu     sync.Mutex
	file   *os.File
	out    *log.Logger
	level  Level
	mirror bool
}

var (
	root     = &rootLogger{level: INFO, mirror: true}
	rootOnce sync.Once
)

// Configure points the root logger at a file and level. Safe to call once at
// startup; later calls replace the sink.
func Configure(level Level, logFile string) error {
	root.mu.Lock()
	defer root.mu.Unlock()

	root.level = level
	if logFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if root.file != nil {
		_ = root.file.Close()
	}
	root.file = file
	root.out = log.New(file, "", 0)
	return nil
}

// Close releases the log file.
func Close() error {
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.file == nil {
		return nil
	}
	err := root.file.Close()
	root.file = nil
	root.out = nil
	return err
}

// SetMirror controls stdout mirroring. Tests disable it to keep output quiet.
func SetMirror(enabled bool) {
	root.mu.Lock()
	defer root.mu.Unlock()
	root.mirror = enabled
}

func (r *rootLogger) write(level Level, component, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	if component == "" {
		component = "STEWARD"
	}
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), levelString(level), component, file, line, message)
	logLine = Redact(logLine)

	if r.out != nil {
		r.out.Print(logLine)
	}
	if r.mirror {
		fmt.Print(logLine)
	}
}

func levelString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// componentLogger scopes the root logger to a named component.
type componentLogger struct {
	component string
}

// NewComponentLogger returns the process logger scoped to a component name.
func NewComponentLogger(component string) Logger {
	rootOnce.Do(func() {})
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) { root.write(DEBUG, l.component, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { root.write(INFO, l.component, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { root.write(WARN, l.component, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { root.write(ERROR, l.component, format, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if logger == nil {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
