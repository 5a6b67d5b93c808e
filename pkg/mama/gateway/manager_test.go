package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGateway struct {
	name       string
	connectErr error

	mu        sync.Mutex
	connected bool
	sent      []sentText
	edited    []sentText

	messages chan *Message
	closed   bool
}

type sentText struct {
	channel string
	id      string
	text    string
}

func newFakeGateway(name string) *fakeGateway {
	return &fakeGateway{name: name, messages: make(chan *Message, 8)}
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

func (f *fakeGateway) Send(_ context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{channel: channelID, text: text})
	return "m1", nil
}

func (f *fakeGateway) EditMessage(_ context.Context, channelID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, sentText{channel: channelID, id: messageID, text: text})
	return nil
}

func (f *fakeGateway) Receive() <-chan *Message { return f.messages }

func (f *fakeGateway) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeGateway) Health() HealthStatus {
	return HealthStatus{Connected: f.IsConnected()}
}

func (f *fakeGateway) sentMessages() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func TestManagerRoutesSendByName(t *testing.T) {
	t.Parallel()
	alpha := newFakeGateway("alpha")
	beta := newFakeGateway("beta")
	m := NewManager(nil)
	if err := m.Register(alpha); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(beta); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if _, err := m.Send(context.Background(), "alpha", "c1", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := alpha.sentMessages(); len(got) != 1 || got[0].text != "hello" {
		t.Errorf("alpha sent = %v", got)
	}
	if got := beta.sentMessages(); len(got) != 0 {
		t.Errorf("beta sent = %v, want none", got)
	}
}

func TestManagerSendUnknownGateway(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	_, err := m.Send(context.Background(), "nowhere", "c1", "hi")
	if !errors.Is(err, ErrUnknownGateway) {
		t.Errorf("err = %v, want ErrUnknownGateway", err)
	}
}

func TestManagerSendDisconnectedGateway(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway("alpha")
	m := NewManager(nil)
	if err := m.Register(gw); err != nil {
		t.Fatal(err)
	}
	_, err := m.Send(context.Background(), "alpha", "c1", "hi")
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
}

func TestManagerAggregatesInbound(t *testing.T) {
	t.Parallel()
	alpha := newFakeGateway("alpha")
	beta := newFakeGateway("beta")
	m := NewManager(nil)
	if err := m.Register(alpha); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(beta); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	alpha.messages <- &Message{Gateway: "alpha", Text: "from alpha"}
	beta.messages <- &Message{Gateway: "beta", Text: "from beta"}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Messages():
			got[msg.Gateway] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for aggregated messages")
		}
	}
	if !got["alpha"] || !got["beta"] {
		t.Errorf("gateways seen = %v, want both", got)
	}
}

func TestManagerStopClosesStream(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway("alpha")
	m := NewManager(nil)
	if err := m.Register(gw); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Stop()

	select {
	case _, ok := <-m.Messages():
		if ok {
			t.Error("expected a closed stream after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after Stop")
	}
	if gw.IsConnected() {
		t.Error("gateway still connected after Stop")
	}
}

func TestManagerStartSkipsFailedConnects(t *testing.T) {
	t.Parallel()
	bad := newFakeGateway("bad")
	bad.connectErr = errors.New("invalid token")
	good := newFakeGateway("good")

	m := NewManager(nil)
	if err := m.Register(bad); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(good); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate one bad gateway: %v", err)
	}
	defer m.Stop()

	if !good.IsConnected() {
		t.Error("good gateway not connected")
	}
}

func TestManagerStartFailsWhenNothingConnects(t *testing.T) {
	t.Parallel()
	bad := newFakeGateway("bad")
	bad.connectErr = errors.New("invalid token")
	m := NewManager(nil)
	if err := m.Register(bad); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("Start should fail when every gateway fails to connect")
	}
}

func TestManagerStartWithoutGateways(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start with no gateways should be allowed: %v", err)
	}
	if m.HasGateways() {
		t.Error("HasGateways = true on empty manager")
	}
}

func TestManagerDuplicateRegister(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Register(newFakeGateway("alpha")); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakeGateway("alpha")); err == nil {
		t.Error("duplicate Register should fail")
	}
}

func TestManagerEditRoutes(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway("alpha")
	m := NewManager(nil)
	if err := m.Register(gw); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.EditMessage(context.Background(), "alpha", "c1", "m9", "updated"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.edited) != 1 || gw.edited[0].id != "m9" || gw.edited[0].text != "updated" {
		t.Errorf("edited = %v", gw.edited)
	}
}

func TestManagerHealthAll(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway("alpha")
	m := NewManager(nil)
	if err := m.Register(gw); err != nil {
		t.Fatal(err)
	}
	health := m.HealthAll()
	if len(health) != 1 {
		t.Fatalf("health entries = %d, want 1", len(health))
	}
	if health["alpha"].Connected {
		t.Error("unstarted gateway reported connected")
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   int
	}{
		{"under limit", "short", 2000, 1},
		{"exactly at limit", strings.Repeat("a", 2000), 2000, 1},
		{"one over limit", strings.Repeat("a", 2001), 2000, 2},
		{"long single line", strings.Repeat("a", 4500), 2000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitMessage(tt.text, tt.maxLen)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
			var rebuilt strings.Builder
			for _, c := range chunks {
				if len(c) > tt.maxLen {
					t.Errorf("chunk length %d exceeds limit %d", len(c), tt.maxLen)
				}
				rebuilt.WriteString(c)
			}
			if rebuilt.String() != tt.text {
				t.Error("chunks do not reassemble the original text")
			}
		})
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	t.Parallel()
	// A newline in the back half of the window should become the cut point.
	text := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1000)
	chunks := splitMessage(text, 2000)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk should end at the newline")
	}
	if strings.Contains(chunks[1], "a") {
		t.Error("second chunk should only hold the trailing line")
	}
}

func TestManagerAttachWhileRunning(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	gw := newFakeGateway("late")
	if err := m.Attach(gw); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !gw.IsConnected() {
		t.Error("attached gateway not connected")
	}

	gw.messages <- &Message{Gateway: "late", Text: "hi"}
	select {
	case msg := <-m.Messages():
		if msg.Gateway != "late" {
			t.Errorf("gateway = %q, want late", msg.Gateway)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attached gateway's message never reached the aggregate stream")
	}

	if _, err := m.Send(context.Background(), "late", "c1", "pong"); err != nil {
		t.Fatalf("Send to attached gateway: %v", err)
	}
}

func TestManagerAttachRefusedWhenStopped(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if err := m.Attach(newFakeGateway("early")); err == nil {
		t.Error("Attach before Start should fail")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop()
	if err := m.Attach(newFakeGateway("late")); err == nil {
		t.Error("Attach after Stop should fail")
	}
}

func TestManagerAttachDuplicateName(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Register(newFakeGateway("alpha")); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.Attach(newFakeGateway("alpha")); err == nil {
		t.Error("Attach with a taken name should fail")
	}
}

func TestManagerDetach(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway("alpha")
	m := NewManager(nil)
	if err := m.Register(gw); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.Detach("alpha"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if gw.IsConnected() {
		t.Error("detached gateway still connected")
	}
	if _, err := m.Send(context.Background(), "alpha", "c1", "hi"); !errors.Is(err, ErrUnknownGateway) {
		t.Errorf("Send after Detach = %v, want ErrUnknownGateway", err)
	}

	if err := m.Detach("alpha"); !errors.Is(err, ErrUnknownGateway) {
		t.Errorf("second Detach = %v, want ErrUnknownGateway", err)
	}
}

func TestManagerDetachThenAttachFresh(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Register(newFakeGateway("alpha")); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.Detach("alpha"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	fresh := newFakeGateway("alpha")
	if err := m.Attach(fresh); err != nil {
		t.Fatalf("Attach after Detach: %v", err)
	}
	if !fresh.IsConnected() {
		t.Error("reattached gateway not connected")
	}
}
