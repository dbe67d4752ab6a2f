package terminal

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHistorySkipsBlankText(t *testing.T) {
	history := NewHistory(5)
	history.Record(Item{Sequence: 0, Text: "print(1)\n"})
	history.Record(Item{Sequence: 1, Text: "\r\n"})
	history.Record(Item{Interrupt: true})

	entries := history.Recent(0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %v", entries)
	}
	if entries[0].Text != "print(1)" || entries[0].Kind != "ordered" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Kind != "interrupt" {
		t.Fatalf("expected interrupt to be kept, got %+v", entries[1])
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestHistoryDropsOldEntries(t *testing.T) {
	history := NewHistory(2)
	for _, text := range []string{"one", "two", "three"} {
		history.Record(Item{Sequence: Unordered, Text: text})
	}
	entries := history.Recent(0)
	if len(entries) != 2 || entries[0].Text != "two" || entries[1].Text != "three" {
		t.Fatalf("expected last two entries, got %v", entries)
	}
	if recent := history.Recent(1); len(recent) != 1 || recent[0].Text != "three" {
		t.Fatalf("unexpected recent entries %v", recent)
	}
}

func TestHistoryConcurrentRecord(t *testing.T) {
	history := NewHistory(10)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			history.Record(Item{Sequence: i, Text: fmt.Sprintf("cmd-%d", i)})
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
		t.Fatalf("timed out waiting for concurrent record")
	}
	if got := len(history.Recent(0)); got != 10 {
		t.Fatalf("expected history capped at 10, got %d", got)
	}
}
