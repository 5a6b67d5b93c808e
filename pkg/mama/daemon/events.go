package daemon

import (
	"sync"
	"time"
)

// eventBuffer sizes each subscriber channel. A subscriber that falls
// further behind than this loses events rather than blocking the daemon.
const eventBuffer = 16

// Event is one daemon occurrence streamed to websocket subscribers.
type Event struct {
	// Type is one of "message", "response", "schedule", "heartbeat",
	// or "gateway".
	Type string `json:"type"`

	Time time.Time `json:"time"`

	// Gateway and Channel locate chat events. Empty for internal ones.
	Gateway string `json:"gateway,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Detail is a short sanitized description.
	Detail string `json:"detail,omitempty"`
}

// eventHub fans daemon events out to live subscribers. Subscribers are
// expected to drain promptly; slow ones skip events instead of stalling
// message handling.
type eventHub struct {
	mu   sync.Mutex
	subs []chan Event
}

func newEventHub() *eventHub {
	return &eventHub{}
}

// Subscribe registers a new event channel and returns it with an
// unsubscribe function. Unsubscribe closes the channel.
func (h *eventHub) Subscribe() (chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.subs {
			if sub == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber. Detail is sanitized
// here so no caller can leak a token into the stream.
func (h *eventHub) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	evt.Detail = Sanitize(evt.Detail)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber too slow, skip.
		}
	}
}

// Len reports the current subscriber count.
func (h *eventHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
