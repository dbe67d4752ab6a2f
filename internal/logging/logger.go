package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

// Logger writes leveled entries to an output stream and keeps the most recent
// ones in a LogBuffer. A nil *Logger is valid and discards everything.
type Logger struct {
	buffer      *LogBuffer
	output      *log.Logger
	minLevel    Level
	component   string
	baseContext Fields
}

var (
	discardOnce sync.Once
	discard     *Logger
)

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stderr)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	return &Logger{
		buffer:   buffer,
		output:   log.New(output, "", log.LstdFlags|log.Lmicroseconds),
		minLevel: normalizeLevel(minLevel),
	}
}

// Discard returns a shared logger that drops every entry.
func Discard() *Logger {
	discardOnce.Do(func() {
		discard = &Logger{minLevel: LevelError, output: log.New(io.Discard, "", 0)}
	})
	return discard
}

// OrDiscard returns l, or the shared discarding logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.buffer
}

// Named scopes the logger to a component. Entries carry the component name in
// their own column rather than in the context fields.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return l
	}
	clone := *l
	component = strings.Trim(component, ". ")
	if clone.component != "" && component != "" {
		clone.component = clone.component + "." + component
	} else if component != "" {
		clone.component = component
	}
	return &clone
}

func (l *Logger) With(fields Fields) *Logger {
	if l == nil {
		return l
	}
	clone := *l
	clone.baseContext = cloneFields(l.baseContext, fields)
	return &clone
}

func (l *Logger) Debug(message string, fields Fields) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields Fields) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields Fields) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields Fields) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if l == nil || !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: l.component,
		Message:   message,
		Context:   cloneFields(l.baseContext, fields),
	}
	if l.buffer != nil {
		l.buffer.Add(entry)
	}
	if l.output != nil {
		l.output.Print(formatEntry(entry))
	}
}

func normalizeLevel(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func cloneFields(base, extra Fields) Fields {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(Fields, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

func formatEntry(entry LogEntry) string {
	builder := strings.Builder{}
	builder.WriteString("level=")
	builder.WriteString(string(entry.Level))
	if entry.Component != "" {
		builder.WriteString(" component=")
		builder.WriteString(entry.Component)
	}
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	if len(entry.Context) == 0 {
		return builder.String()
	}

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf(" %s=%s", key, strconv.Quote(entry.Context[key])))
	}
	return builder.String()
}

// Err renders err for a log field, tolerating nil.
func Err(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
