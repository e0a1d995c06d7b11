// Package notify provides the broadcast mechanism consumers use to observe
// adapter state changes without re-subscribing on every render cycle.
package notify

import "sync"

// Notifier fans out change pings to subscribers. Pings carry no payload;
// a subscriber re-reads the adapter's versions and status on each ping, so
// coalesced pings are harmless.
type Notifier struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one listener. Receive on C; Cancel when done.
type Subscription struct {
	// C receives a ping whenever the observed state may have changed.
	C <-chan struct{}

	ch chan struct{}
	n  *Notifier
}

// New creates an empty Notifier.
func New() *Notifier {
	return &Notifier{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener. The channel has a one-ping buffer; a
// subscriber that falls behind sees a single coalesced ping.
func (n *Notifier) Subscribe() *Subscription {
	ch := make(chan struct{}, 1)
	sub := &Subscription{C: ch, ch: ch, n: n}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

// Cancel removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.n.mu.Lock()
	_, ok := s.n.subs[s]
	if ok {
		delete(s.n.subs, s)
	}
	s.n.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Broadcast pings every subscriber without blocking.
func (n *Notifier) Broadcast() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub := range n.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
			// Subscriber already has a pending ping.
		}
	}
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
