// Package broadcast implements a small generic pub/sub fan-out: every
// value Send to a Group is delivered to every subscriber present at the
// time of the send, each over its own buffered channel. It stands in for
// tokio::sync::broadcast, which the standard library has no equivalent
// of; the block collector uses one instance to wake stream assemblers
// and the subscription manager uses one per recipient to fan out
// delivered messages to listeners.
package broadcast

import "sync"

// subscriberBuffer is the per-receiver channel capacity. A slow
// subscriber that falls more than this many sends behind starts missing
// notifications rather than blocking the sender — acceptable here since
// every consumer (collector wakeups, subscription delivery) re-derives
// its state from durable storage rather than relying on not missing a
// single broadcast value.
const subscriberBuffer = 8

// Group is a fan-out broadcaster for values of type T.
type Group[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

// New creates an empty broadcast group.
func New[T any]() *Group[T] {
	return &Group[T]{subs: make(map[int]chan T)}
}

// Receiver is a single subscription's read end, with Unsubscribe to
// detach it from the group.
type Receiver[T any] struct {
	ch   <-chan T
	id   int
	grp  *Group[T]
}

// C returns the channel to receive broadcast values on.
func (r *Receiver[T]) C() <-chan T {
	return r.ch
}

// Unsubscribe detaches the receiver from its group. Safe to call more
// than once.
func (r *Receiver[T]) Unsubscribe() {
	r.grp.mu.Lock()
	defer r.grp.mu.Unlock()
	if ch, ok := r.grp.subs[r.id]; ok {
		close(ch)
		delete(r.grp.subs, r.id)
	}
}

// Subscribe registers a new receiver with the group.
func (g *Group[T]) Subscribe() *Receiver[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan T, subscriberBuffer)
	id := g.next
	g.next++
	g.subs[id] = ch
	return &Receiver[T]{ch: ch, id: id, grp: g}
}

// Send delivers v to every subscriber currently registered. A subscriber
// whose buffer is full drops the value rather than blocking the sender.
func (g *Group[T]) Send(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Len reports the number of currently registered subscribers.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
