// Package eventbus is the in-process fanout used by the engine to report
// cycle progress to metrics and logs.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Each subscriber owns a buffered channel and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus with no background goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a channel with the given buffer (default 16).
// Unsubscribe closes it; calling it more than once is safe.
func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls, so the
			// close never races a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped is the number of deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
