// Package events fans typed events out to subscribers without blocking the
// publisher.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultBuffer = 64

type Bus[T any] struct {
	module string
	buf    int

	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

// NewBus creates a bus whose subscribers each get a queue of buf events.
// module tags the drop warnings.
func NewBus[T any](module string, buf int) *Bus[T] {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	return &Bus[T]{module: module, buf: buf, subs: make(map[int]chan T)}
}

// Subscribe returns a channel of events published from now on. The channel
// is closed by cancel or when the bus closes.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, b.buf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish never blocks; a subscriber with a full queue misses the event.
func (b *Bus[T]) Publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", b.module).Int("subscriber", id).Msg("event dropped, subscriber queue full")
		}
	}
}

// Close delivers final to every subscriber, then closes their channels.
// Later Publish calls are no-ops. A subscriber whose queue is full has its
// oldest queued events dropped to make room.
func (b *Bus[T]) Close(final ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		for _, ev := range final {
			deliverLast(ch, ev)
		}
		delete(b.subs, id)
		close(ch)
	}
}

// deliverLast must be called with mu held, so nothing else sends on ch.
func deliverLast[T any](ch chan T, ev T) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
