package logging

import (
	"sync"

	"sessionhost/internal/buffer"
)

// LogBuffer keeps the most recent entries for the control endpoint.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.entries == nil {
		return
	}

	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.entries.List()
}

// Query returns up to limit of the newest entries at or above minLevel,
// optionally restricted to a component prefix. limit <= 0 means no limit.
func (b *LogBuffer) Query(minLevel Level, component string, limit int) []LogEntry {
	if b == nil {
		return nil
	}
	all := b.List()
	out := make([]LogEntry, 0, len(all))
	for _, entry := range all {
		if minLevel != "" && levelRank(entry.Level) < levelRank(minLevel) {
			continue
		}
		if component != "" && !hasComponentPrefix(entry.Component, component) {
			continue
		}
		out = append(out, entry)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func hasComponentPrefix(component, prefix string) bool {
	if component == prefix {
		return true
	}
	return len(component) > len(prefix) && component[:len(prefix)] == prefix && component[len(prefix)] == '.'
}
