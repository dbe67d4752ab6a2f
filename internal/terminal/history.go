package terminal

import (
	"strings"
	"sync"
	"time"
)

const DefaultHistorySize = 1000

type HistoryEntry struct {
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// History keeps the most recent input delivered to a backend.
type History struct {
	mu      sync.Mutex
	max     int
	entries []HistoryEntry
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

// Record stores a delivered item. Blank text is kept only for interrupts and
// flushes, which are meaningful without text.
func (h *History) Record(item Item) {
	h.RecordEntry(HistoryEntry{
		Text:     item.Text,
		Kind:     item.Kind(),
		Sequence: item.Sequence,
	})
}

func (h *History) RecordEntry(entry HistoryEntry) {
	entry.Text = strings.TrimRight(entry.Text, "\r\n")
	if strings.TrimSpace(entry.Text) == "" && entry.Kind != "interrupt" && entry.Kind != "flush" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		drop := len(h.entries) - h.max
		h.entries = h.entries[drop:]
	}
}

// Recent returns the last n entries, or all of them when n <= 0.
func (h *History) Recent(n int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]HistoryEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}
