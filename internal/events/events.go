package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	TaskAdded       = "task:added"
	TaskCompleted   = "task:completed"
	TaskFailed      = "task:failed"
	TaskCancelled   = "task:cancelled"
	Started         = "started"
	Stopped         = "stopped"
	Paused          = "paused"
	Resumed         = "resumed"
	StrategyChanged = "strategy:changed"
	QueueUpdated    = "queue:updated"
	SyncCompleted   = "sync:completed"
	SyncFailed      = "sync:failed"
)

// All subscribes a handler to every event type.
const All = "*"

// Event is a lightweight engine notification.
type Event struct {
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	eventType string
	handler   EventHandler
}

// EventBus provides in-process pub/sub for events. Handlers run synchronously
// in registration order, wildcard handlers included.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zerolog.Logger
}

// NewEventBus constructs an empty bus. logger may be nil.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{logger: logger}
}

// Subscribe registers a handler for a given event type, or All.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{eventType: eventType, handler: handler})
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.eventType != event.Type && s.eventType != All {
			continue
		}
		if err := s.handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// Emit builds and publishes an event stamped with the current time.
func (b *EventBus) Emit(eventType string, data map[string]any) {
	if b == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	b.Publish(&Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

// Forward re-publishes every event of from on to, prefixing the type with
// namespace. Consumers of to never see internal event names.
func Forward(from, to *EventBus, namespace string) {
	from.Subscribe(All, func(e *Event) error {
		to.Publish(&Event{Type: namespace + e.Type, Timestamp: e.Timestamp, Data: e.Data})
		return nil
	})
}
