package events_test

import (
	"testing"
	"time"

	"skyfleet/internal/events"
	"skyfleet/internal/model"
)

func publishN(b *events.Broadcaster, slot string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(model.Event{
			Topic:   model.TopicTelemetry,
			Slot:    slot,
			Payload: model.TelemetryPayload{Alt: float64(i)},
		})
	}
}

func TestSubscribeReceivesSlotEvents(t *testing.T) {
	b := events.NewBroadcaster(8)
	sub := b.Subscribe("scout")
	defer sub.Close()

	b.Publish(model.Event{Topic: model.TopicHeartbeat, Slot: "scout"})
	b.Publish(model.Event{Topic: model.TopicHeartbeat, Slot: "delivery"})

	select {
	case ev := <-sub.Events():
		if ev.Slot != "scout" {
			t.Fatalf("expected scout event, got %+v", ev)
		}
		if ev.EventID == "" || ev.Time.IsZero() {
			t.Fatalf("expected stamped event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected cross-slot event %+v", ev)
	default:
	}
}

func TestWildcardSubscriptionSeesAllSlots(t *testing.T) {
	b := events.NewBroadcaster(8)
	sub := b.Subscribe(events.SlotAll)
	defer sub.Close()

	b.Publish(model.Event{Topic: model.TopicHeartbeat, Slot: "scout"})
	b.Publish(model.Event{Topic: model.TopicHeartbeat, Slot: "delivery"})

	slots := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			slots[ev.Slot] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !slots["scout"] || !slots["delivery"] {
		t.Fatalf("expected both slots, got %v", slots)
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	b := events.NewBroadcaster(4)
	sub := b.Subscribe("scout")
	defer sub.Close()

	publishN(b, "scout", 10)

	got := make([]float64, 0, 4)
	for {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Payload.(model.TelemetryPayload).Alt)
			continue
		default:
		}
		break
	}
	if len(got) != 4 {
		t.Fatalf("expected queue capacity worth of events, got %d", len(got))
	}
	// The survivors are the newest four, in order.
	for i, alt := range got {
		if alt != float64(6+i) {
			t.Fatalf("expected newest events [6..9], got %v", got)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := events.NewBroadcaster(1)
	slow := b.Subscribe("scout")
	defer slow.Close()
	fast := b.Subscribe("scout")
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		publishN(b, "scout", 100)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	select {
	case ev := <-fast.Events():
		if ev.Payload.(model.TelemetryPayload).Alt != 99 {
			t.Fatalf("expected latest event to survive, got %+v", ev)
		}
	default:
		t.Fatal("fast subscriber received nothing")
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := events.NewBroadcaster(4)
	sub := b.Subscribe("scout")
	sub.Close()
	sub.Close()

	// Publishing after close must not panic.
	b.Publish(model.Event{Topic: model.TopicHeartbeat, Slot: "scout"})

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}
