// Package logging provides the structured-ish logger used across the
// snapshot engine: level-gated, with a small set of chained "with"
// helpers for the identifiers that recur in every log line (snapshot
// uuid, tracker/device id, chunk number).
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/veeam/blksnap-go/internal/interfaces"
)

// Logger wraps stdlib log with level support and a bound set of
// key-value fields.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	format string
	fields []kv
	mu     *sync.Mutex
}

type kv struct {
	key string
	val any
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "text" (default) or "json"
	Output  io.Writer
	Sync    bool // reserved for callers that want a guaranteed-flushed writer
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		format: format,
		mu:     &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// with returns a copy of the logger with an extra bound field.
func (l *Logger) with(key string, val any) *Logger {
	next := &Logger{
		logger: l.logger,
		level:  l.level,
		format: l.format,
		mu:     l.mu,
		fields: append(append([]kv{}, l.fields...), kv{key, val}),
	}
	return next
}

// WithSnapshot binds a snapshot uuid to every subsequent log line.
func (l *Logger) WithSnapshot(id string) *Logger { return l.with("snapshot", id) }

// WithDevice binds a tracker/device identifier.
func (l *Logger) WithDevice(id uint32) *Logger { return l.with("device_id", id) }

// WithQueue binds a queue/worker identifier (store queue, image-io queue).
func (l *Logger) WithQueue(id int) *Logger { return l.with("queue_id", id) }

// WithChunk binds a chunk number.
func (l *Logger) WithChunk(number uint64) *Logger { return l.with("chunk", number) }

// WithRequest binds a request tag and operation name.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return l.with("tag", tag).with("op", op)
}

// WithError binds an error for later lines (does not itself log).
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := make([]any, 0, len(l.fields)*2+len(args))
	for _, f := range l.fields {
		all = append(all, f.key, f.val)
	}
	all = append(all, args...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := map[string]any{"level": prefix, "msg": msg}
		for i := 0; i+1 < len(all); i += 2 {
			entry[fmt.Sprintf("%v", all[i])] = all[i+1]
		}
		b, err := json.Marshal(entry)
		if err != nil {
			l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
			return
		}
		l.logger.Print(string(b))
		return
	}
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, "[ERROR]", msg, args...) }

// Debugf/Infof/Warnf/Errorf are printf-style variants.
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...)) }

// Printf is kept for callers expecting the plain interfaces.Logger shape.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

var _ interfaces.Logger = (*Logger)(nil)

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
