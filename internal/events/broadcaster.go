// Package events fans out cache membership changes to interested loops.
package events

import (
	"sync"
	"time"
)

// ReasonSync marks changes made by a reconcile run.
const ReasonSync = "sync"

// MembershipChanged tells subscribers that the set of cached photo ids may
// have changed. It carries no ids; subscribers re-read the cache.
type MembershipChanged struct {
	Reason    string
	Added     int
	Removed   int
	Timestamp time.Time
}

// Broadcaster manages subscribers and publishes membership events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan MembershipChanged]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan MembershipChanged]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan MembershipChanged {
	ch := make(chan MembershipChanged, 1)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan MembershipChanged) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking. A subscriber
// with an undelivered event already has a pending rebuild, so the new event
// is dropped for it.
func (b *Broadcaster) Publish(event MembershipChanged) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
