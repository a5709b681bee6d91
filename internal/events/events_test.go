package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	bus.Subscribe(TaskAdded, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	bus.Emit(TaskAdded, map[string]any{"taskId": "t1"})

	require.Equal(t, 1, callCount)
	assert.Equal(t, TaskAdded, received.Type)
	assert.Equal(t, "t1", received.Data["taskId"])
	assert.False(t, received.Timestamp.IsZero())
}

func TestEventBusRegistrationOrder(t *testing.T) {
	bus := NewEventBus(nil)
	var order []string

	bus.Subscribe(Started, func(_ *Event) error { order = append(order, "first"); return nil })
	bus.Subscribe(All, func(_ *Event) error { order = append(order, "wildcard"); return nil })
	bus.Subscribe(Started, func(_ *Event) error { order = append(order, "third"); return errors.New("ignored") })
	bus.Subscribe(Stopped, func(_ *Event) error { order = append(order, "other"); return nil })

	bus.Publish(&Event{Type: Started})

	assert.Equal(t, []string{"first", "wildcard", "third"}, order)
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	assert.NotPanics(t, func() {
		bus.Publish(&Event{Type: "unknown"})
		bus.Emit("unknown", nil)
	})

	var nilBus *EventBus
	assert.NotPanics(t, func() { nilBus.Emit(Started, nil) })
}

func TestForward(t *testing.T) {
	internal := NewEventBus(nil)
	external := NewEventBus(nil)
	Forward(internal, external, "manager.")

	var got []*Event
	external.Subscribe(All, func(e *Event) error {
		got = append(got, e)
		return nil
	})

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	internal.Publish(&Event{Type: SyncCompleted, Timestamp: ts, Data: map[string]any{"completed": 1}})

	require.Len(t, got, 1)
	assert.Equal(t, "manager.sync:completed", got[0].Type)
	assert.Equal(t, ts, got[0].Timestamp)
	assert.Equal(t, 1, got[0].Data["completed"])
}
