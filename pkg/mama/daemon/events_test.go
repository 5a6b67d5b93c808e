package daemon

import (
	"strings"
	"testing"
	"time"
)

func TestEventHubPublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	hub := newEventHub()
	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.Publish(Event{Type: "message", Gateway: "discord", Detail: "hello"})

	select {
	case evt := <-ch:
		if evt.Type != "message" || evt.Gateway != "discord" {
			t.Errorf("event = %+v", evt)
		}
		if evt.Time.IsZero() {
			t.Error("Publish should stamp a zero Time")
		}
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestEventHubUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	hub := newEventHub()
	ch, unsub := hub.Subscribe()

	if hub.Len() != 1 {
		t.Fatalf("Len = %d, want 1", hub.Len())
	}
	unsub()
	if hub.Len() != 0 {
		t.Errorf("Len after unsubscribe = %d, want 0", hub.Len())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// A second call must be harmless.
	unsub()
}

func TestEventHubDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	hub := newEventHub()
	ch, unsub := hub.Subscribe()
	defer unsub()

	for i := 0; i < eventBuffer+5; i++ {
		hub.Publish(Event{Type: "schedule"})
	}

	// The buffer holds exactly eventBuffer events; the overflow was
	// dropped without blocking Publish.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != eventBuffer {
				t.Errorf("drained %d events, want %d", drained, eventBuffer)
			}
			return
		}
	}
}

func TestEventHubSanitizesDetail(t *testing.T) {
	t.Parallel()
	hub := newEventHub()
	ch, unsub := hub.Subscribe()
	defer unsub()

	token := "xoxb-" + strings.Repeat("z", 12)
	hub.Publish(Event{Type: "gateway", Detail: "attach failed for " + token})

	evt := <-ch
	if strings.Contains(evt.Detail, token) {
		t.Fatalf("token leaked into event detail: %q", evt.Detail)
	}
	if !strings.Contains(evt.Detail, "[REDACTED]") {
		t.Errorf("detail not redacted: %q", evt.Detail)
	}
}

func TestEventHubKeepsExplicitTime(t *testing.T) {
	t.Parallel()
	hub := newEventHub()
	ch, unsub := hub.Subscribe()
	defer unsub()

	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hub.Publish(Event{Type: "heartbeat", Time: stamp})

	if evt := <-ch; !evt.Time.Equal(stamp) {
		t.Errorf("Time = %v, want %v", evt.Time, stamp)
	}
}
