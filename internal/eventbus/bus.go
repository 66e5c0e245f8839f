package eventbus

import (
	"context"
	"sync"

	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventSessionReady announces an attached registry slot.
	EventSessionReady EventType = "session_ready"
	// EventOutput carries an ordered batch of terminal bytes.
	EventOutput EventType = "output"
	// EventError carries a classified error status for the UI.
	EventError EventType = "error"
	// EventStatus carries informational engine state changes.
	EventStatus EventType = "status"
)

// Event is the tagged union delivered to UI subscribers.
type Event struct {
	Type    EventType
	Session schema.SessionReadyEvent
	Output  schema.OutputEvent
	Error   schema.ErrorEvent
	Status  schema.StatusEvent
}

// Bus fans engine events out to subscribers. Publishing never blocks;
// a subscriber that falls behind loses events, and the drop is logged.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 512,
	}
}

// Subscribe registers a subscriber and returns its channel + cancel.
// The channel is closed while the bus lock is held, so a publish can
// never race the close. Cancel is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe")
		})
	}
}

// SessionReady publishes a session-ready event.
func (b *Bus) SessionReady(event schema.SessionReadyEvent) {
	b.publish(Event{Type: EventSessionReady, Session: event})
}

// Output publishes an output batch.
func (b *Bus) Output(event schema.OutputEvent) {
	b.publish(Event{Type: EventOutput, Output: event})
}

// Error publishes an error status.
func (b *Bus) Error(event schema.ErrorEvent) {
	b.publish(Event{Type: EventError, Error: event})
}

// Status publishes an informational status.
func (b *Bus) Status(event schema.StatusEvent) {
	b.publish(Event{Type: EventStatus, Status: event})
}

// publish sends under the bus lock. The sends are non-blocking, so
// holding the lock is cheap, and it guarantees no send can hit a
// channel a concurrent cancel has closed.
func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Warn("eventbus dropped", "type", event.Type, "count", dropped)
	}
}
