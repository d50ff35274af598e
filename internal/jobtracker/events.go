package jobtracker

import (
	"sort"
	"sync"
	"time"

	"github.com/locallama/router/internal/model"
)

// JobEvent is published on every job state transition.
type JobEvent struct {
	JobID     string
	Status    model.JobStatus
	Timestamp time.Time
}

// Subscriber receives JobEvents. Implementations must not block: the bus
// calls them synchronously on the publishing goroutine (after releasing its
// own lock), so a slow subscriber stalls the transition that published.
type Subscriber func(JobEvent)

// EventBus fans a stream of JobEvents out to registered subscribers. It
// carries no transport dependency of its own; WebSocketBroadcaster in
// websocket.go is one concrete subscriber, not the bus itself.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[int]Subscriber
	nextID      int
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns a token usable with Unsubscribe.
func (b *EventBus) Subscribe(fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	return id
}

// Unsubscribe removes a previously registered subscriber. Unknown tokens
// are a no-op.
func (b *EventBus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, token)
}

// Publish delivers ev to every current subscriber, in ascending token
// order for deterministic fan-out.
func (b *EventBus) Publish(ev JobEvent) {
	b.mu.Lock()
	fns := make([]Subscriber, 0, len(b.subscribers))
	ids := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, b.subscribers[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
