// Package dispatch fans decoded inbound envelopes out to subscribers. No
// filtering happens here; every handler sees every envelope and ignores the
// actions it does not care about.
package dispatch

import (
	"sync"

	"veia/protocol"
)

type Handler func(*protocol.Envelope)

type subscriber struct {
	id int
	fn Handler
}

// Bus delivers envelopes to handlers in arrival order. Delivery iterates a
// snapshot of the subscriber list, so handlers may subscribe or unsubscribe
// (including themselves) during a callback without skipping or double
// invoking the remaining handlers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

func NewBus() *Bus {
	return &Bus{nextID: 1}
}

// Subscribe registers fn for every future envelope and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes the handler registered under id. Unknown ids are a
// no-op, so it is safe to call twice.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers env to all current subscribers, synchronously, in
// subscription order.
func (b *Bus) Publish(env *protocol.Envelope) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.fn(env)
	}
}

// Len reports the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
