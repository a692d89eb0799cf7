package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

var zerologLevels = map[Level]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// Logger provides structured JSON logging with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	zl        zerolog.Logger
	redactPII bool
}

var defaultLogger = newLogger(os.Stderr, INFO, "json")

func newLogger(w io.Writer, level Level, format string) *Logger {
	if isConsole(format) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(zerologLevels[level]).With().Timestamp().Logger()
	return &Logger{zl: zl, redactPII: true}
}

func isConsole(format string) bool {
	return format == "console" || format == "text"
}

// Configure replaces the default logger. level is one of debug, info, warn,
// error; format is "json" (default) or "console".
func Configure(level, format string) {
	ConfigureOutput(os.Stderr, ParseLevel(level), format)
}

// ConfigureOutput points the default logger at w. Used by tests and by
// callers that want logs somewhere other than stderr.
func ConfigureOutput(w io.Writer, level Level, format string) {
	l := newLogger(w, level, format)
	defaultLogger.mu.Lock()
	defaultLogger.zl = l.zl
	defaultLogger.mu.Unlock()
}

// FileOptions describes a size-rotated log file written in addition to stderr.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ConfigureFile is Configure plus a rotated JSON log file. It returns the file
// writer so the caller can close it on shutdown, or nil when opts.Path is empty.
func ConfigureFile(level, format string, opts FileOptions) *lumberjack.Logger {
	if opts.Path == "" {
		Configure(level, format)
		return nil
	}

	var console io.Writer = os.Stderr
	if isConsole(format) {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(console, file)).
		Level(zerologLevels[ParseLevel(level)]).With().Timestamp().Logger()

	defaultLogger.mu.Lock()
	defaultLogger.zl = zl
	defaultLogger.mu.Unlock()
	return file
}

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	for lvl, name := range levelNames {
		if strings.EqualFold(s, name) {
			return lvl
		}
	}
	return INFO
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.zl = defaultLogger.zl.Level(zerologLevels[l])
	defaultLogger.mu.Unlock()
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// Zerolog exposes the underlying logger for libraries that want one.
func Zerolog() zerolog.Logger {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	return defaultLogger.zl
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl := l.zl
	redact := l.redactPII
	l.mu.RUnlock()

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}

	// Parse key-value pairs from fields
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if err, ok := fields[i+1].(error); ok {
			val := err.Error()
			if redact {
				val = redactPIIValue(key, val)
			}
			ev = ev.Str(key, val)
			continue
		}
		val := fmt.Sprintf("%v", fields[i+1])
		if redact {
			val = redactPIIValue(key, val)
		}
		ev = ev.Str(key, val)
	}
	ev.Msg(msg)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Address-valued email fields; counts and ids under the same keys pass
	if (strings.Contains(key, "email") || strings.Contains(key, "recipient")) && strings.Contains(val, "@") {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
