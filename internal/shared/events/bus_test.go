package events

import (
	"testing"
	"time"
)

func TestSubscribeTyped(t *testing.T) {
	bus := New()

	_, ch := bus.Subscribe(TypeSessionCreated)

	bus.Publish(Event{Type: TypeSessionCreated, SessionID: "sess_1"})
	bus.Publish(Event{Type: TypeSessionClosed, SessionID: "sess_1"})

	select {
	case e := <-ch:
		if e.Type != TypeSessionCreated {
			t.Errorf("Expected %s, got %s", TypeSessionCreated, e.Type)
		}
		if e.SessionID != "sess_1" {
			t.Errorf("Expected session sess_1, got %s", e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event was not delivered")
	}

	// The closed event does not match the subscription
	select {
	case e := <-ch:
		t.Errorf("Unexpected event delivered: %s", e.Type)
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := New()

	_, ch := bus.Subscribe()

	types := []string{TypeSessionCreated, TypeStreamData, TypeSessionClosed}
	for _, typ := range types {
		bus.Publish(Event{Type: typ})
	}

	for _, want := range types {
		select {
		case e := <-ch:
			if e.Type != want {
				t.Errorf("Expected %s, got %s", want, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("Event %s was not delivered", want)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()

	subID, ch := bus.Subscribe(TypeStreamData)
	bus.Unsubscribe(subID)

	if _, open := <-ch; open {
		t.Error("Channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic
	bus.Publish(Event{Type: TypeStreamData})
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := New()

	_, ch := bus.Subscribe(TypeSessionCreated)
	bus.Publish(Event{Type: TypeSessionCreated})

	e := <-ch
	if e.Timestamp.IsZero() {
		t.Error("Publish should stamp events missing a timestamp")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := New(WithBufferSize(1))

	_, ch := bus.Subscribe(TypeStreamData)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: TypeStreamData})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if bus.Dropped() == 0 {
		t.Error("Expected dropped events with a full buffer")
	}

	// The buffered event is still deliverable
	select {
	case <-ch:
	default:
		t.Error("Expected one buffered event")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := New(WithBufferSize(1000))

	_, ch := bus.Subscribe()

	const publishers = 10
	const perPublisher = 50

	for i := 0; i < publishers; i++ {
		go func() {
			for j := 0; j < perPublisher; j++ {
				bus.Publish(Event{Type: TypeStreamData})
			}
		}()
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < publishers*perPublisher {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("Expected %d events, received %d", publishers*perPublisher, received)
		}
	}
}
