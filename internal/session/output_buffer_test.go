package session

import (
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestOutputBufferTracksLinesAndCarry(t *testing.T) {
	buffer := NewOutputBuffer(10)

	buffer.Append([]byte("hello"))
	if lines := buffer.Lines(0); !reflect.DeepEqual(lines, []string{"hello"}) {
		t.Fatalf("expected carry line, got %v", lines)
	}

	buffer.Append([]byte(" world\r\nnext\npartial"))
	want := []string{"hello world", "next", "partial"}
	if lines := buffer.Lines(0); !reflect.DeepEqual(lines, want) {
		t.Fatalf("expected %v, got %v", want, lines)
	}
	if lines := buffer.Lines(2); !reflect.DeepEqual(lines, []string{"next", "partial"}) {
		t.Fatalf("expected last two lines, got %v", lines)
	}
}

func TestOutputBufferDropsOldLines(t *testing.T) {
	buffer := NewOutputBuffer(2)
	buffer.Append([]byte("one\ntwo\nthree\n"))
	want := []string{"two", "three"}
	if lines := buffer.Lines(0); !reflect.DeepEqual(lines, want) {
		t.Fatalf("expected %v, got %v", want, lines)
	}
}

func TestOutputBufferIgnoresEmptyAppend(t *testing.T) {
	buffer := NewOutputBuffer(5)
	buffer.Append(nil)
	if lines := buffer.Lines(0); len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
	buffer.Append([]byte("x\n"))
	buffer.Reset()
	if lines := buffer.Lines(0); len(lines) != 0 {
		t.Fatalf("expected reset to clear lines, got %v", lines)
	}
}

func TestOutputBufferConcurrentAccessDoesNotBlock(t *testing.T) {
	buffer := NewOutputBuffer(10)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buffer.Append([]byte(strings.Repeat("x", i%5) + "\n"))
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for concurrent append")
	}
	if got := len(buffer.Lines(0)); got != 10 {
		t.Fatalf("expected 10 retained lines, got %d", got)
	}
}
