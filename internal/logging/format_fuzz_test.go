package logging

import (
	"strconv"
	"strings"
	"testing"
)

// Messages and field values often carry interpreter output or error text, so
// any byte sequence must still render as one parseable line.
func FuzzFormatEntry(f *testing.F) {
	f.Add("session started", "error", "exit status 1")
	f.Add("line one\nline two", "stderr", "\x1b[31mred\x1b[0m\r\n")
	f.Add("", "path", `C:\tmp\"quoted"`)
	f.Add("\xff\xfe", "holder", "")

	f.Fuzz(func(t *testing.T, message, key, value string) {
		if key == "" || strings.ContainsAny(key, " =\n\r") {
			t.Skip()
		}
		line := formatEntry(LogEntry{
			Level:     LevelWarning,
			Component: "supervisor",
			Message:   message,
			Context:   Fields{key: value},
		})
		if strings.ContainsAny(line, "\n\r") {
			t.Fatalf("entry spans lines: %q", line)
		}
		const prefix = "level=warning component=supervisor msg="
		if !strings.HasPrefix(line, prefix) {
			t.Fatalf("unexpected entry head %q", line)
		}
		quoted, err := strconv.QuotedPrefix(line[len(prefix):])
		if err != nil {
			t.Fatalf("message not quoted in %q: %v", line, err)
		}
		if got, _ := strconv.Unquote(quoted); got != message {
			t.Fatalf("message did not survive rendering: %q -> %q", message, got)
		}
		rest := line[len(prefix)+len(quoted):]
		if rest != " "+key+"="+strconv.Quote(value) {
			t.Fatalf("unexpected field rendering %q", rest)
		}
	})
}

func FuzzQueryComponentPrefix(f *testing.F) {
	f.Add("session.terminal", "session")
	f.Add("sessions", "session")
	f.Add("filelock", "filelock")
	f.Add("a.b.c", "a.b")

	f.Fuzz(func(t *testing.T, component, prefix string) {
		if prefix == "" {
			t.Skip()
		}
		buffer := NewLogBuffer(4)
		NewLoggerWithOutput(buffer, LevelDebug, nil).Named(component).Info("hello", nil)
		entries := buffer.Query("", prefix, 0)
		if len(entries) != 1 && len(entries) != 0 {
			t.Fatalf("expected at most one entry, got %d", len(entries))
		}
		stored := buffer.List()[0].Component
		want := stored == prefix || strings.HasPrefix(stored, prefix+".")
		if (len(entries) == 1) != want {
			t.Fatalf("component %q prefix %q: matched=%v want %v", stored, prefix, len(entries) == 1, want)
		}
	})
}
