package fanout

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 2)
	for i := 0; i < 2; i++ {
		if err := bus.Subscribe(ctx, func(msg Message) {
			received <- msg
		}); err != nil {
			t.Fatalf("unexpected subscribe error: %v", err)
		}
	}

	msg := Message{SessionID: "session-1", Kind: KindDocUpdate, Payload: []byte{1, 2, 3}, Origin: "proc-a"}
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			if got.SessionID != "session-1" || got.Kind != KindDocUpdate || got.Origin != "proc-a" {
				t.Fatalf("unexpected message: %#v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected delivery to subscriber %d", i)
		}
	}
}

func TestMemoryBusDeliversSelfPublishes(t *testing.T) {
	// The bus does not filter self-publishes; handlers use Origin to skip
	// their own messages.
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	if err := bus.Subscribe(ctx, func(msg Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	if err := bus.Publish(ctx, Message{SessionID: "s", Kind: KindAwareness, Payload: []byte{9}, Origin: "self"}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	select {
	case got := <-received:
		if got.Origin != "self" {
			t.Fatalf("expected origin to round-trip, got %q", got.Origin)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected self-publish delivery")
	}
}

func TestMemoryBusStopsDeliveryAfterContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan Message, 1)
	if err := bus.Subscribe(ctx, func(msg Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := bus.Publish(context.Background(), Message{SessionID: "s", Kind: KindDocUpdate, Payload: []byte{1}}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	select {
	case <-received:
		t.Fatalf("expected no delivery after cancellation")
	case <-time.After(100 * time.Millisecond):
	}
}
