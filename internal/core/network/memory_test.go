package network

import (
	"fmt"
	"testing"
	"time"
)

func TestMemoryPubSubPreservesOrderWithoutDrops(t *testing.T) {
	ps := NewMemoryPubSub()
	ch, cancel, err := ps.Subscribe("meters")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	const n = 500
	for i := 0; i < n; i++ {
		if err := ps.Publish("meters", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case msg := <-ch:
			if string(msg.Payload) != fmt.Sprint(i) {
				t.Fatalf("expected message %d, got %s", i, msg.Payload)
			}
			if msg.Topic != "meters" {
				t.Fatalf("unexpected topic %q", msg.Topic)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryPubSubTopicsAreIsolated(t *testing.T) {
	ps := NewMemoryPubSub()
	a, cancelA, _ := ps.Subscribe("a")
	defer cancelA()
	b, cancelB, _ := ps.Subscribe("b")
	defer cancelB()

	_ = ps.Publish("a", []byte("for-a"))
	select {
	case msg := <-a:
		if string(msg.Payload) != "for-a" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for topic a")
	}
	select {
	case msg := <-b:
		t.Fatalf("topic b received %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPubSubCancelClosesChannel(t *testing.T) {
	ps := NewMemoryPubSub()
	ch, cancel, _ := ps.Subscribe("t")
	cancel()
	cancel()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected channel to close after cancel")
		}
	}
}

func TestMemoryPubSubCopiesPayload(t *testing.T) {
	ps := NewMemoryPubSub()
	ch, cancel, _ := ps.Subscribe("t")
	defer cancel()

	payload := []byte("abc")
	_ = ps.Publish("t", payload)
	payload[0] = 'x'
	select {
	case msg := <-ch:
		if string(msg.Payload) != "abc" {
			t.Fatalf("expected copied payload, got %q", msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}
