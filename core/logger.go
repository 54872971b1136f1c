package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which entries a JSONLogger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel maps a config string to a LogLevel. Unknown values
// default to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// JSONLogger writes one JSON object per entry. It is the production Logger
// implementation; tests and embedders that bring their own logging pass a
// NoOpLogger or their own adapter instead.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewJSONLogger creates a JSONLogger writing to stderr.
func NewJSONLogger(level LogLevel) *JSONLogger {
	return &JSONLogger{out: os.Stderr, level: level}
}

// NewJSONLoggerWithOutput creates a JSONLogger with an explicit sink.
func NewJSONLoggerWithOutput(level LogLevel, out io.Writer) *JSONLogger {
	return &JSONLogger{out: out, level: level}
}

// WithComponent returns a logger that tags every entry with the component
// name. The returned logger shares the parent's sink and level.
func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{out: l.out, level: l.level, component: component}
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.emit(LevelInfo, "info", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.emit(LevelError, "error", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.emit(LevelWarn, "warn", msg, fields)
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.emit(LevelDebug, "debug", msg, fields)
}

func (l *JSONLogger) emit(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors do not marshal to anything useful; flatten them.
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fall back to a plain line rather than dropping the entry.
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, name, msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n')) //nolint:errcheck
}

// Compile-time interface compliance checks
var (
	_ Logger               = (*JSONLogger)(nil)
	_ ComponentAwareLogger = (*JSONLogger)(nil)
	_ Logger               = (*NoOpLogger)(nil)
)
