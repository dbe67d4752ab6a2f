package buffer

import (
	"reflect"
	"testing"
)

func TestRingOverwritesOldest(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	if got := ring.List(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if ring.Len() != 3 || ring.Cap() != 3 {
		t.Fatalf("unexpected len/cap %d/%d", ring.Len(), ring.Cap())
	}
}

func TestRingLast(t *testing.T) {
	ring := NewRing[string](4)
	for _, value := range []string{"a", "b", "c", "d", "e"} {
		ring.Add(value)
	}
	tests := []struct {
		n    int
		want []string
	}{
		{n: 0, want: nil},
		{n: 1, want: []string{"e"}},
		{n: 2, want: []string{"d", "e"}},
		{n: 10, want: []string{"b", "c", "d", "e"}},
	}
	for _, tt := range tests {
		if got := ring.Last(tt.n); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Last(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRingReset(t *testing.T) {
	ring := NewRing[int](2)
	ring.Add(1)
	ring.Add(2)
	ring.Reset()
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatalf("expected empty ring after reset")
	}
	ring.Add(7)
	if got := ring.List(); !reflect.DeepEqual(got, []int{7}) {
		t.Fatalf("expected [7], got %v", got)
	}
}

func TestNilRingIsEmpty(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatalf("expected nil ring to behave as empty")
	}
}
