package channel

import (
	"errors"
	"testing"
	"time"
)

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus()

	ev1, done1 := bus.Subscribe()
	ev2, done2 := bus.Subscribe()
	defer bus.Unsubscribe(done1)
	defer bus.Unsubscribe(done2)

	want := Event{Type: EventError, Err: errors.New("boom")}
	bus.Publish(want)

	for i, ch := range []<-chan Event{ev1, ev2} {
		select {
		case got := <-ch:
			if got.Type != EventError || got.Err == nil {
				t.Errorf("subscriber %d got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ev, done := bus.Subscribe()
	bus.Unsubscribe(done)

	if _, ok := <-ev; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: EventClose})
}

func TestEventBusSlowSubscriberDropped(t *testing.T) {
	bus := NewEventBus()
	ev, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	// Overflow the buffer; Publish must never block.
	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: EventReconnect})
	}

	received := 0
	for {
		select {
		case <-ev:
			received++
		default:
			if received == 0 || received > 16 {
				t.Fatalf("received %d events, want 1..16", received)
			}
			return
		}
	}
}
