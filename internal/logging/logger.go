// Package logging provides categorized file-based logging for coderelay.
// Logs are written to the daemon state directory with one file per category.
// Logging is controlled by the daemon config - when debug mode is off, only
// warnings and errors are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, shutdown, recovery sweep
	CategoryStore        Category = "store"        // SQLite reads/writes
	CategorySession      Category = "session"      // Session lifecycle, command queue
	CategoryBridge       Category = "bridge"       // Subprocess spawn/stop, pipe I/O
	CategoryParser       Category = "parser"       // Chunk parsing, event emission
	CategoryApproval     Category = "approval"     // Classification, gate decisions
	CategoryOrchestrator Category = "orchestrator" // Registry, routing, eviction
	CategoryRecovery     Category = "recovery"     // Crash recovery reconciliation
	CategoryTransport    Category = "transport"    // Inbound commands, outbound replies
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logging behavior. Set once at startup via Initialize.
type Options struct {
	// Dir is the directory log files are written to.
	Dir string
	// Debug enables debug-level output and per-category files. When false
	// only warn/error lines are written, all to a single daemon.log.
	Debug bool
	// Level is the minimum level written: debug, info, warn, error.
	Level string
	// Categories optionally disables individual categories. A category
	// absent from the map is enabled.
	Categories map[string]bool
}

// Logger wraps a standard logger bound to one category and file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	mu          sync.RWMutex
	loggers     = make(map[Category]*Logger)
	opts        Options
	initialized bool
	logLevel    int
)

// Initialize sets up the logging directory. Safe to call once at startup;
// subsequent calls replace the configuration but keep open files.
func Initialize(o Options) error {
	if o.Dir == "" {
		return fmt.Errorf("logging: directory required")
	}

	mu.Lock()
	defer mu.Unlock()

	opts = o
	logLevel = parseLevel(o.Level)
	if !o.Debug && logLevel < LevelWarn {
		logLevel = LevelWarn
	}

	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return fmt.Errorf("logging: create directory: %w", err)
	}
	initialized = true
	return nil
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Get returns the logger for a category, creating it on first use.
// Returns a no-op logger if logging is not initialized or the category
// is disabled.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	enabled := initialized && categoryEnabled(cat)
	mu.RUnlock()

	if !enabled {
		return &Logger{category: cat}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}

	name := "daemon.log"
	if opts.Debug {
		name = string(cat) + ".log"
	}
	path := filepath.Join(opts.Dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		l := &Logger{category: cat}
		loggers[cat] = l
		return l
	}

	l := &Logger{
		category: cat,
		logger:   log.New(f, "", 0),
		file:     f,
	}
	loggers[cat] = l
	return l
}

func categoryEnabled(cat Category) bool {
	if opts.Categories == nil {
		return true
	}
	enabled, present := opts.Categories[string(cat)]
	return !present || enabled
}

func (l *Logger) write(level int, levelName, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	mu.RLock()
	min := logLevel
	mu.RUnlock()
	if level < min {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s", ts, levelName, l.category, msg)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Convenience helpers for the busiest categories. These mirror the call
// sites' natural phrasing: logging.Session("..."), logging.BridgeDebug("...").

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func Store(format string, args ...interface{})    { Get(CategoryStore).Info(format, args...) }
func Session(format string, args ...interface{})  { Get(CategorySession).Info(format, args...) }
func Bridge(format string, args ...interface{})   { Get(CategoryBridge).Info(format, args...) }
func Approval(format string, args ...interface{}) { Get(CategoryApproval).Info(format, args...) }
func Recovery(format string, args ...interface{}) { Get(CategoryRecovery).Info(format, args...) }

func StoreDebug(format string, args ...interface{})   { Get(CategoryStore).Debug(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func BridgeDebug(format string, args ...interface{})  { Get(CategoryBridge).Debug(format, args...) }
func ParserDebug(format string, args ...interface{})  { Get(CategoryParser).Debug(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation for the given category.
func StartTimer(cat Category, name string) *Timer {
	return &Timer{category: cat, name: name, start: time.Now()}
}

// Stop logs the elapsed time. Operations slower than a second are logged
// at warn level.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %s", t.name, elapsed)
		return
	}
	l.Debug("%s took %s", t.name, elapsed)
}

// Close flushes and closes all open log files.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
		delete(loggers, cat)
	}
	closeAuditLocked()
	initialized = false
}
