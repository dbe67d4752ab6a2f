package filelock

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// record is the content of a lock file. Readers may rely on owner and
// acquired only; the rest is diagnostic.
type record struct {
	Owner    string
	Token    string
	Host     string
	PID      int
	Acquired time.Time
}

func (r record) encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "owner=%s\n", sanitizeValue(r.Owner))
	fmt.Fprintf(&buf, "token=%s\n", r.Token)
	fmt.Fprintf(&buf, "host=%s\n", sanitizeValue(r.Host))
	fmt.Fprintf(&buf, "pid=%d\n", r.PID)
	fmt.Fprintf(&buf, "acquired=%s\n", r.Acquired.UTC().Format(time.RFC3339Nano))
	return buf.Bytes()
}

func decodeRecord(data []byte) record {
	var rec record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "owner":
			rec.Owner = value
		case "token":
			rec.Token = value
		case "host":
			rec.Host = value
		case "pid":
			rec.PID, _ = strconv.Atoi(value)
		case "acquired":
			rec.Acquired, _ = time.Parse(time.RFC3339Nano, value)
		}
	}
	return rec
}

func readRecord(path string) (record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	return decodeRecord(data), nil
}

func sanitizeValue(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, value)
}
