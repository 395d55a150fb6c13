// Package eventbus publishes workflow lifecycle events to any number of
// in-process subscribers and, optionally, to an external webhook.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow.start"
	EventWorkflowComplete EventType = "workflow.complete"
	EventWorkflowError    EventType = "workflow.error"
	EventWorkflowProgress EventType = "workflow.progress"
)

// Event is one lifecycle notification about an execution.
type Event struct {
	ID          string                  `json:"id"`
	Type        EventType               `json:"type"`
	WorkflowID  string                  `json:"workflow_id"`
	ExecutionID string                  `json:"execution_id"`
	Status      domain.ExecutionStatus  `json:"status"`
	Progress    int                     `json:"progress"`
	CurrentStep string                  `json:"current_step,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Result      *domain.ExecutionResult `json:"result,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Listener receives events synchronously on the publisher's goroutine.
// Slow consumers should use Channel instead.
type Listener func(Event)

type subscription struct {
	types map[EventType]bool // nil means all
	fn    Listener
}

// Bus is a typed publish/subscribe hub. The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]subscription
	next uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]subscription)}
}

// Subscribe registers fn for the given event types and returns a function
// that removes the subscription.
func (b *Bus) Subscribe(fn Listener, types ...EventType) func() {
	var set map[EventType]bool
	if len(types) > 0 {
		set = make(map[EventType]bool, len(types))
		for _, t := range types {
			set[t] = true
		}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = subscription{types: set, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Listener) func() {
	return b.Subscribe(fn)
}

// Channel returns a buffered channel receiving the given event types until
// ctx ends. Events are dropped, with a warning, when the buffer is full.
func (b *Bus) Channel(ctx context.Context, buffer int, types ...EventType) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			logging.Op().Warn("event channel full, dropping event", "type", ev.Type, "execution", ev.ExecutionID)
		}
	}, types...)

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Publish delivers ev to every matching subscriber in subscription order.
// A panicking listener is logged and does not affect the others.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id, s := range b.subs {
		if s.types == nil || s.types[ev.Type] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = b.subs[id].fn
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		deliver(fn, ev)
	}
}

func deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("event listener panic", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// Len reports the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
