package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// managerBuffer sizes the aggregated inbound stream. Bursts beyond it
// block the per-gateway listener, which in turn backpressures the
// platform buffer.
const managerBuffer = 256

// Manager owns every registered gateway: it connects them, merges
// their inbound messages into one stream, and routes outbound traffic
// by gateway name.
type Manager struct {
	gateways map[string]Gateway
	messages chan *Message
	logger   *slog.Logger

	listenWg sync.WaitGroup

	// lifeMu serializes Start, Stop, Attach, and Detach so a listener
	// is never added while Stop is draining them.
	lifeMu  sync.Mutex
	stopped bool

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds an empty gateway manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gateways: make(map[string]Gateway),
		messages: make(chan *Message, managerBuffer),
		logger:   logger.With("component", "gateway"),
	}
}

// Register adds a gateway. Must be called before Start.
func (m *Manager) Register(gw Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := gw.Name()
	if _, exists := m.gateways[name]; exists {
		return fmt.Errorf("gateway %q already registered", name)
	}
	m.gateways[name] = gw
	m.logger.Info("gateway registered", "gateway", name)
	return nil
}

// Start connects every registered gateway and begins listening. A
// gateway that fails to connect is logged and skipped so one bad token
// does not take the others down. Start fails only when gateways were
// registered and none of them connected.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	snapshot := make(map[string]Gateway, len(m.gateways))
	for name, gw := range m.gateways {
		snapshot[name] = gw
	}
	m.mu.Unlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no gateways registered, chat surfaces disabled")
		return nil
	}

	var connected int
	for name, gw := range snapshot {
		if err := gw.Connect(m.ctx); err != nil {
			m.logger.Error("gateway connect failed", "gateway", name, "error", err)
			continue
		}
		connected++
		m.listenWg.Add(1)
		go m.listen(gw)
	}

	if connected == 0 {
		return fmt.Errorf("no gateway connected successfully")
	}
	m.logger.Info("gateway manager started", "connected", connected)
	return nil
}

// Stop disconnects every gateway and drains the listeners. Disconnect
// runs first so each gateway's Receive channel closes and no listener
// is left blocked; the aggregated stream is closed last. Idempotent.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true

	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, gw := range m.gateways {
		if err := gw.Disconnect(); err != nil {
			m.logger.Error("gateway disconnect failed", "gateway", name, "error", err)
		}
	}
	m.mu.RUnlock()

	m.listenWg.Wait()
	close(m.messages)
	m.logger.Info("gateway manager stopped")
}

// Attach registers a gateway on a running manager, connects it, and
// begins listening. Used by the bot management tools to add platforms
// at runtime.
func (m *Manager) Attach(gw Gateway) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	name := gw.Name()
	if _, exists := m.gateways[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("gateway %q already registered", name)
	}
	ctx := m.ctx
	m.mu.Unlock()

	if m.stopped || ctx == nil || ctx.Err() != nil {
		return fmt.Errorf("gateway manager not running")
	}

	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("connecting %s: %w", name, err)
	}

	m.mu.Lock()
	m.gateways[name] = gw
	m.mu.Unlock()

	m.listenWg.Add(1)
	go m.listen(gw)
	m.logger.Info("gateway attached", "gateway", name)
	return nil
}

// Detach disconnects a gateway and removes it from the routing table.
// Its listener drains on its own once the receive channel closes.
func (m *Manager) Detach(name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	gw, ok := m.gateways[name]
	if ok {
		delete(m.gateways, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	if err := gw.Disconnect(); err != nil {
		return fmt.Errorf("disconnecting %s: %w", name, err)
	}
	m.logger.Info("gateway detached", "gateway", name)
	return nil
}

// Messages returns the aggregated inbound stream. Closed by Stop.
func (m *Manager) Messages() <-chan *Message {
	return m.messages
}

// Send routes an outbound message. Satisfies the tool executor's
// MessageSender and the heartbeat notifier.
func (m *Manager) Send(ctx context.Context, gatewayName, channelID, text string) (string, error) {
	gw, err := m.connectedGateway(gatewayName)
	if err != nil {
		return "", err
	}
	return gw.Send(ctx, channelID, text)
}

// EditMessage routes a message edit. Satisfies the agent streamer's
// Messenger.
func (m *Manager) EditMessage(ctx context.Context, gatewayName, channelID, messageID, text string) error {
	gw, err := m.connectedGateway(gatewayName)
	if err != nil {
		return err
	}
	return gw.EditMessage(ctx, channelID, messageID, text)
}

// Gateway looks up a registered gateway by name.
func (m *Manager) Gateway(name string) (Gateway, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gw, ok := m.gateways[name]
	return gw, ok
}

// HealthAll snapshots the health of every registered gateway.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make(map[string]HealthStatus, len(m.gateways))
	for name, gw := range m.gateways {
		statuses[name] = gw.Health()
	}
	return statuses
}

// HasGateways reports whether anything is registered.
func (m *Manager) HasGateways() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.gateways) > 0
}

func (m *Manager) connectedGateway(name string) (Gateway, error) {
	m.mu.RLock()
	gw, exists := m.gateways[name]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	if !gw.IsConnected() {
		return nil, fmt.Errorf("gateway %q: %w", name, ErrDisconnected)
	}
	return gw, nil
}

// listen forwards one gateway's messages into the aggregated stream
// until the gateway closes its channel or the manager shuts down.
func (m *Manager) listen(gw Gateway) {
	defer m.listenWg.Done()
	for {
		select {
		case msg, ok := <-gw.Receive():
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
