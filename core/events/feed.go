package events

import (
	"sync"

	"bountyescrow/core/types"
)

// Feed delivers emitted events to live subscribers. Slow subscribers miss
// events rather than block the emitter.
type Feed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan *types.Event
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]chan *types.Event)}
}

// Subscribe registers a subscriber with the given buffer and returns its
// channel together with a cancel function that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *types.Event, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Emit implements Emitter.
func (f *Feed) Emit(evt Event) {
	payload := Wire(evt)
	if payload == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}
