package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	// LevelError only logs errors
	LevelError LogLevel = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs general information, warnings and errors
	LevelInfo
	// LevelDebug logs detailed debug information and all above
	LevelDebug
	// LevelTrace logs every read and write request and all above
	LevelTrace
)

var levelNames = map[LogLevel]string{
	LevelError: "ERROR",
	LevelWarn:  "WARN",
	LevelInfo:  "INFO",
	LevelDebug: "DEBUG",
	LevelTrace: "TRACE",
}

// String returns the level name used in log lines and configuration.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a level name (case-insensitive) to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for level, levelName := range levelNames {
		if levelName == upper {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// sink is the state shared between a logger and every logger derived from
// it with WithPrefix.
type sink struct {
	mu     sync.RWMutex
	level  LogLevel
	logger *log.Logger
}

// Logger provides levelled, component-prefixed logging.
type Logger struct {
	prefix string
	sink   *sink
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("BACKFS")

		// Set initial log level from environment
		if name := os.Getenv("BACKFS_LOG_LEVEL"); name != "" {
			if level, err := ParseLevel(name); err == nil {
				defaultLogger.SetLevel(level)
			}
		}

		// FUSE_DEBUG keeps working as a shortcut for debug output
		if os.Getenv("FUSE_DEBUG") != "" {
			defaultLogger.SetLevel(LevelDebug)
		}
	})
	return defaultLogger
}

// NewLogger creates a new logger with the given prefix
func NewLogger(prefix string) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.LUTC
	if os.Getenv("LOG_LONGFILE") != "" {
		flags |= log.Llongfile
	} else {
		flags |= log.Lshortfile
	}

	return &Logger{
		prefix: prefix,
		sink: &sink{
			level:  LevelInfo,
			logger: log.New(os.Stdout, prefix+": ", flags),
		},
	}
}

// SetLevel sets the logging level for this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Level returns the current logging level.
func (l *Logger) Level() LogLevel {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

// SetOutput redirects log output, mainly for tests and for the command's
// --log-file flag.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.logger.SetOutput(w)
}

// Enabled reports whether a message at the given level would be written.
// Hot paths use it to skip formatting.
func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return level <= l.sink.level
}

// log performs the actual logging
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s", levelNames[level], msg)
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] [%s] %s", levelNames[level], l.prefix, msg)
	}
	if err := l.sink.logger.Output(3, line); err != nil {
		// write directly to stderr
		fmt.Fprintf(os.Stderr, "Failed to write log message: %v\n", err)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// WithPrefix creates a component logger. It shares level and output with
// its parent, so SetLevel on the default logger affects every component.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sink:   l.sink,
	}
}
