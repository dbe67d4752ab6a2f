package logging

import "time"

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Fields carries structured context attached to a log entry.
type Fields = map[string]string

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Context   Fields    `json:"context,omitempty"`
}
