package session

import (
	"sync"
	"sync/atomic"
)

const subscriberQueue = 128

// Broadcaster fans session output out to subscribers without blocking on
// slow listeners, and keeps recent lines for late readers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uint64]chan []byte
	nextSubID   atomic.Uint64
	buffer      *OutputBuffer
	closed      bool
	dropped     atomic.Uint64
}

func NewBroadcaster(bufferLines int) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan []byte),
		buffer:      NewOutputBuffer(bufferLines),
	}
}

// Subscribe returns a channel of output chunks and a cancel function. The
// channel is closed on cancel or when the broadcaster closes.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberQueue)
	id := b.nextSubID.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.buffer.Append(chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- chunk:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) Lines(n int) []string {
	return b.buffer.Lines(n)
}

// Dropped counts chunks not delivered to slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
