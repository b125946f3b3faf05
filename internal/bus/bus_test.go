package bus_test

import (
	"testing"
	"time"

	"github.com/calder/remedy/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicErrorDetected)
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicErrorDetected, bus.ErrorDetectedEvent{ErrorID: "e1"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.ErrorDetectedEvent)
		if !ok || payload.ErrorID != "e1" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := bus.New()
	all := b.Subscribe("")
	tasks := b.Subscribe("task.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(tasks)

	b.Publish(bus.TopicErrorDetected, nil)
	b.Publish(bus.TopicTaskStateChanged, nil)

	if got := drain(all); got != 2 {
		t.Fatalf("all-topics subscriber got %d events, want 2", got)
	}
	if got := drain(tasks); got != 1 {
		t.Fatalf("task subscriber got %d events, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
	// Second unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(bus.TopicTaskCreated, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow consumer")
	}
}

func drain(sub *bus.Subscription) int {
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		case <-time.After(50 * time.Millisecond):
			return count
		}
	}
}
