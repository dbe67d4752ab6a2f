package httpparse

import (
	"reflect"
	"testing"
)

func FuzzParseSplit(f *testing.F) {
	for _, seed := range sampleRequests {
		f.Add([]byte(seed), uint16(3))
	}
	f.Add([]byte("GET / HTTP/1.1\r\nContent-Length: 99999999999\r\n\r\n"), uint16(1))

	f.Fuzz(func(t *testing.T, raw []byte, split uint16) {
		whole := NewParser(Options{MaxBodySize: 1 << 16})
		wholeStatus, wholeConsumed := whole.Parse(raw)

		cut := 0
		if len(raw) > 0 {
			cut = int(split) % len(raw)
		}
		parts := NewParser(Options{MaxBodySize: 1 << 16})
		status, consumed := parts.Parse(raw[:cut])
		if status == StatusIncomplete {
			var more int
			status, more = parts.Parse(raw[cut:])
			consumed += more
		}

		if status != wholeStatus || consumed != wholeConsumed {
			t.Fatalf("split parse diverged: %v/%d vs %v/%d", status, consumed, wholeStatus, wholeConsumed)
		}
		if status == StatusComplete && !reflect.DeepEqual(parts.Request(), whole.Request()) {
			t.Fatalf("split parse produced a different request")
		}
	})
}
