// Package event fans typed events out to subscribers without letting a slow
// subscriber stall the publisher.
package event

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"sessionhost/internal/buffer"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
)

const defaultSubscriberBufferSize = 128

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	MaxSubscribers       int
	HistorySize          int
	Logger               *logging.Logger
	Metrics              *metrics.Registry
}

type Bus[T Event] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	history     *buffer.Ring[T]
	logger      *logging.Logger
	published   atomic.Int64
	dropped     atomic.Int64
}

type subscription[T Event] struct {
	ch     chan T
	filter func(T) bool
}

// NewBus returns a bus that closes itself when ctx ends.
func NewBus[T Event](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.Name == "" {
		opts.Name = "events"
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		logger:      logging.OrDiscard(opts.Logger).Named("event"),
	}
	if opts.HistorySize > 0 {
		bus.history = buffer.NewRing[T](opts.HistorySize)
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeTypes only delivers events whose Type is listed.
func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	typeSet := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType != "" {
			typeSet[eventType] = struct{}{}
		}
	}
	if len(typeSet) == 0 {
		return b.Subscribe()
	}
	return b.SubscribeFiltered(func(event T) bool {
		_, ok := typeSet[event.Type()]
		return ok
	})
}

// SubscribeFiltered returns a closed channel when the bus is closed or full.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	ch := make(chan T, b.options.SubscriberBufferSize)

	b.mu.Lock()
	if b.closed || (b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers) {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = subscription[T]{ch: ch, filter: filter}
	b.mu.Unlock()

	return ch, func() { b.removeSubscriber(id) }
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}
	eventType := event.Type()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.history != nil {
		b.history.Add(event)
	}
	b.published.Add(1)
	b.options.Metrics.EventPublished(b.options.Name, eventType)

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped := b.dropped.Add(1)
			b.options.Metrics.EventDropped(b.options.Name, eventType)
			if dropped == 1 || dropped%100 == 0 {
				b.logger.Warn("event subscriber lagging, dropping events", logging.Fields{
					"bus":     b.options.Name,
					"type":    eventType,
					"dropped": strconv.FormatInt(dropped, 10),
				})
			}
		}
	}
}

// History returns up to n of the most recent events, oldest first. n <= 0
// returns everything retained.
func (b *Bus[T]) History(n int) []T {
	if b == nil || b.history == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return b.history.List()
	}
	return b.history.Last(n)
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for id, sub := range b.subscribers {
			delete(b.subscribers, id)
			close(sub.ch)
		}
	})
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) Published() int64 { return b.published.Load() }
func (b *Bus[T]) Dropped() int64   { return b.dropped.Load() }

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
