package session

import (
	"strings"
	"sync"

	"sessionhost/internal/buffer"
)

const DefaultOutputLines = 1000

// OutputBuffer keeps the most recent complete lines of session output plus
// the unterminated tail.
type OutputBuffer struct {
	mu    sync.Mutex
	lines *buffer.Ring[string]
	carry string
}

func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines <= 0 {
		maxLines = DefaultOutputLines
	}
	return &OutputBuffer{lines: buffer.NewRing[string](maxLines)}
}

func (b *OutputBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	chunk := b.carry + strings.ReplaceAll(string(data), "\r\n", "\n")
	parts := strings.Split(chunk, "\n")
	// The last part is either empty (chunk ended in a newline) or an
	// unterminated line.
	b.carry = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		b.lines.Add(line)
	}
}

// Lines returns up to n recent lines, all retained lines when n <= 0.
func (b *OutputBuffer) Lines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.lines.Len()
	if b.carry != "" {
		total++
	}
	if n <= 0 || n > total {
		n = total
	}
	fromRing := n
	if b.carry != "" {
		fromRing--
	}
	lines := b.lines.Last(fromRing)
	if lines == nil {
		lines = []string{}
	}
	if b.carry != "" && n > 0 {
		lines = append(lines, b.carry)
	}
	return lines
}

func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines.Reset()
	b.carry = ""
}
