package session

import (
	"context"
	"sync"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// EventKind identifies what a queued Event carries
type EventKind int

const (
	MarketKind EventKind = iota
	OrderKind
)

// Event is one item for the decision loop
type Event struct {
	Kind   EventKind
	Market models.MarketEvent
	Order  models.OrderUpdate
}

// Queue is the bounded hand-off between broker I/O and the decision loop.
// When full, market events are dropped oldest first; order updates are never
// dropped and block the producer if nothing can be evicted.
type Queue struct {
	mu      sync.Mutex
	items   []Event
	size    int
	dropped int

	ready chan struct{} // signaled when items are added
	space chan struct{} // signaled when items are removed
}

// NewQueue creates a queue holding at most size events
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		items: make([]Event, 0, size),
		size:  size,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// PushMarket enqueues a market event without blocking. It reports whether an
// event had to be dropped to make room.
func (q *Queue) PushMarket(ev models.MarketEvent) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.size {
		dropped = true
		q.dropped++
		if !q.evictMarketLocked() {
			// Full of order updates; the new event is the one to go
			q.mu.Unlock()
			return true
		}
	}
	q.items = append(q.items, Event{Kind: MarketKind, Market: ev})
	q.mu.Unlock()
	signal(q.ready)
	return dropped
}

// PushOrder enqueues an order update. It blocks only while the queue is full
// of order updates, and returns ctx.Err() if ctx ends first.
func (q *Queue) PushOrder(ctx context.Context, u models.OrderUpdate) error {
	for {
		q.mu.Lock()
		room := len(q.items) < q.size
		if !room && q.evictMarketLocked() {
			q.dropped++
			room = true
		}
		if room {
			q.items = append(q.items, Event{Kind: OrderKind, Order: u})
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// evictMarketLocked removes the oldest market event, if any
func (q *Queue) evictMarketLocked() bool {
	for i, it := range q.items {
		if it.Kind == MarketKind {
			copy(q.items[i:], q.items[i+1:])
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// TryPop removes the oldest event if there is one
func (q *Queue) TryPop() (Event, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Event{}, false
	}
	ev := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.mu.Unlock()
	signal(q.space)
	return ev, true
}

// Pop blocks until an event is available or ctx ends
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		if ev, ok := q.TryPop(); ok {
			return ev, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Ready is signaled after pushes; drain with TryPop
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many market events were discarded
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
