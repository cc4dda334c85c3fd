package overlay

import "sync"

// Feed fans a stream of render states out to SSE subscribers while keeping
// the latest state for late joiners. Publishers never block on slow
// subscribers; a subscriber that falls behind misses intermediate states
// and picks up at the next one, which is fine for idempotent render states.
type Feed[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	subs   map[int]chan T
	nextID int
}

// NewFeed returns an empty feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]chan T)}
}

// Publish stores v as the latest state and offers it to every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	f.latest = v
	f.has = true
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			// Drop for this subscriber; the next publish supersedes anyway.
		}
	}
	f.mu.Unlock()
}

// Latest returns the most recently published state, if any.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.has
}

// Subscribe registers a receiver. If a state was already published it is
// queued immediately so new overlay pages paint without waiting a full
// poll interval. The cancel func unregisters the receiver.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 8)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	if f.has {
		ch <- f.latest
	}
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
	return ch, cancel
}
