// Package terminal orders interactive input before it reaches a backend
// process. Transports may deliver input items out of order; the Sequencer
// releases them in sequence, with escape hatches for interrupts, unordered
// input and explicit flushes.
package terminal

import (
	"sort"
	"sync"
)

const (
	// Unordered items are released immediately in arrival order.
	Unordered = -1
	// Flush items release everything buffered, then restart numbering at 0.
	Flush = -2

	DefaultAutoFlushLength = 20
)

type FlushKind string

const (
	FlushExplicit FlushKind = "explicit"
	FlushAuto     FlushKind = "auto"
)

type Option func(*Sequencer)

// WithAutoFlushLength sets how many ordered items may wait for a missing
// predecessor before the backlog is released in arrival order.
func WithAutoFlushLength(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.autoFlush = n
		}
	}
}

// WithFlushHook registers a function called, under the sequencer lock, for
// every flush.
func WithFlushHook(hook func(FlushKind)) Option {
	return func(s *Sequencer) { s.onFlush = hook }
}

// Sequencer is safe for concurrent use.
type Sequencer struct {
	mu        sync.Mutex
	next      int
	pending   []Item
	ready     []Item
	// consumed holds future slots already used by interrupts.
	consumed  map[int]struct{}
	autoFlush int
	onFlush   func(FlushKind)
}

func NewSequencer(opts ...Option) *Sequencer {
	s := &Sequencer{autoFlush: DefaultAutoFlushLength}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sequencer) Enqueue(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case item.Interrupt:
		s.ready = append(s.ready, item)
		s.consumeLocked(item.Sequence)
	case item.Sequence == Unordered:
		s.ready = append(s.ready, item)
	case item.Sequence == Flush:
		s.flushLocked()
		s.ready = append(s.ready, item)
		s.next = 0
		s.consumed = nil
		s.notify(FlushExplicit)
	case item.Sequence < 0:
		// Unknown sentinel; deliver rather than drop.
		s.ready = append(s.ready, item)
	case item.Sequence < s.next:
		// Late: its slot has already been passed.
		s.ready = append(s.ready, item)
	case item.Sequence == s.next:
		s.ready = append(s.ready, item)
		s.next++
		s.releaseConsecutiveLocked()
	default:
		s.pending = append(s.pending, item)
		if len(s.pending) > s.autoFlush {
			s.autoFlushLocked()
		}
	}
}

// Dequeue returns the next releasable item, if any.
func (s *Sequencer) Dequeue() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return Item{}, false
	}
	item := s.ready[0]
	s.ready[0] = Item{}
	s.ready = s.ready[1:]
	return item, true
}

// Drain returns every releasable item in order.
func (s *Sequencer) Drain() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ready
	s.ready = nil
	return out
}

// Pending counts ordered items still waiting for a predecessor.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Next is the sequence number the sequencer is waiting for.
func (s *Sequencer) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Reset discards everything and restarts numbering at 0.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.ready = nil
	s.next = 0
	s.consumed = nil
}

// consumeLocked marks an interrupt's sequence slot as used so ordered input
// behind it is not held back waiting for it.
func (s *Sequencer) consumeLocked(sequence int) {
	switch {
	case sequence < s.next:
	case sequence == s.next:
		s.next++
		s.releaseConsecutiveLocked()
	default:
		if s.consumed == nil {
			s.consumed = make(map[int]struct{})
		}
		s.consumed[sequence] = struct{}{}
	}
}

func (s *Sequencer) releaseConsecutiveLocked() {
	for {
		if _, ok := s.consumed[s.next]; ok {
			delete(s.consumed, s.next)
			s.next++
			continue
		}
		idx := -1
		for i, item := range s.pending {
			if item.Sequence == s.next {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		s.ready = append(s.ready, s.pending[idx])
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
		s.next++
	}
}

func (s *Sequencer) flushLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].Sequence < s.pending[j].Sequence
	})
	s.ready = append(s.ready, s.pending...)
	s.pending = nil
}

func (s *Sequencer) autoFlushLocked() {
	highest := s.next - 1
	for _, item := range s.pending {
		highest = max(highest, item.Sequence)
	}
	s.ready = append(s.ready, s.pending...)
	s.pending = nil
	s.next = highest + 1
	for sequence := range s.consumed {
		if sequence < s.next {
			delete(s.consumed, sequence)
		}
	}
	s.releaseConsecutiveLocked()
	s.notify(FlushAuto)
}

func (s *Sequencer) notify(kind FlushKind) {
	if s.onFlush != nil {
		s.onFlush(kind)
	}
}
