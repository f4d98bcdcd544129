// Package utils provides logging and small shared helpers.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const historySize = 500

// ANSI colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
)

// Entry is a single captured log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Logger is a levelled printf-style logger with a bounded in-memory history.
type Logger struct {
	mu      sync.Mutex
	debug   bool
	history []Entry
}

var defaultLogger = &Logger{}

// SetDebug toggles debug output on the default logger.
func SetDebug(enabled bool) { defaultLogger.SetDebug(enabled) }

// SetDebug toggles debug output.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// DebugEnabled reports whether debug logging is on.
func (l *Logger) DebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func (l *Logger) log(level Level, color, label, format string, args ...interface{}) {
	if level == LevelDebug && !l.DebugEnabled() {
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := time.Now()
	timestamp := now.Format("15:04:05")

	fmt.Fprintf(os.Stderr, "%s%s %s%s%s %s\n", colorGray, timestamp, color, label, colorReset, msg)

	l.mu.Lock()
	l.history = append(l.history, Entry{Time: now, Level: label, Message: msg})
	if len(l.history) > historySize {
		l.history = l.history[len(l.history)-historySize:]
	}
	l.mu.Unlock()
}

// History returns a copy of the captured log lines, newest last.
func (l *Logger) History() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.history))
	copy(out, l.history)
	return out
}

// Debug logs at debug level; suppressed unless SetDebug(true).
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, colorGray, "DEBUG", format, args...)
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, colorCyan, "INFO ", format, args...)
}

// Warn logs at warning level.
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, colorYellow, "WARN ", format, args...)
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, colorRed, "ERROR", format, args...)
}

// Success logs a green info-level line, used for startup milestones.
func Success(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, colorGreen, "OK   ", format, args...)
}

// History returns the default logger's captured lines.
func History() []Entry { return defaultLogger.History() }
