package events

import (
	"sync"
	"time"
)

// RebalanceEvent is a domain event describing progress of a rebalance run.
// Uses string fields to avoid float precision issues when consumed by web/UI layers.
type RebalanceEvent struct {
	Timestamp time.Time `json:"ts"`
	Owner     string    `json:"owner"`
	// Kind is one of "iteration", "order", "conversion", "done".
	Kind       string `json:"kind"`
	Status     string `json:"status,omitempty"`
	Iteration  int    `json:"iteration,omitempty"`
	Currency   string `json:"currency,omitempty"`
	ProductID  string `json:"product_id,omitempty"`
	Side       string `json:"side,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
}

// RebalanceBroadcaster fans out events to all subscribers via buffered channels.
// It keeps the API intentionally small so call sites can stay straightforward.
type RebalanceBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan RebalanceEvent]struct{}
	buffer int
}

// NewRebalanceBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewRebalanceBroadcaster(buffer int) *RebalanceBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &RebalanceBroadcaster{
		subs:   make(map[chan RebalanceEvent]struct{}),
		buffer: buffer,
	}
}

// Default is the shared broadcaster used across the app.
var Default = NewRebalanceBroadcaster(256)

// Publish sends the event to all subscribers, dropping if a reader is slow.
func (b *RebalanceBroadcaster) Publish(e RebalanceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *RebalanceBroadcaster) Subscribe() chan RebalanceEvent {
	ch := make(chan RebalanceEvent, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *RebalanceBroadcaster) Unsubscribe(ch chan RebalanceEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
