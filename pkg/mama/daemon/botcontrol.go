package daemon

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/gateway"
	"github.com/jholhewres/mama/pkg/mama/tools"
)

// botController is the management surface behind the os_* tools. The
// viewer gate lives in the tool layer; everything here assumes the call
// is already authorized. Mutations reconfigure the running gateway
// manager and persist tokens to the OS keyring when one is available.
type botController struct {
	d *Daemon
}

// newGatewayLocked builds a fresh gateway value from the current config,
// with token overriding the stored credential when non-empty. Gateway
// values are single-shot (a disconnected one cannot reconnect), so every
// attach builds anew. Returns the gateway and its keyring key name.
// Caller holds d.mu.
func (d *Daemon) newGatewayLocked(name, token string) (gateway.Gateway, string, error) {
	switch name {
	case "discord":
		cfg := d.cfg.Gateways.Discord
		if token != "" {
			cfg.Token = token
		}
		if cfg.Token == "" {
			return nil, "", fmt.Errorf("discord token not configured")
		}
		cfg.Enabled = true
		return gateway.NewDiscord(cfg, d.logger), config.KeyDiscordToken, nil
	case "telegram":
		cfg := d.cfg.Gateways.Telegram
		if token != "" {
			cfg.Token = token
		}
		if cfg.Token == "" {
			return nil, "", fmt.Errorf("telegram token not configured")
		}
		cfg.Enabled = true
		return gateway.NewTelegram(cfg, d.logger), config.KeyTelegramToken, nil
	case "slack":
		cfg := d.cfg.Gateways.Slack
		if token != "" {
			cfg.BotToken = token
		}
		if cfg.BotToken == "" {
			return nil, "", fmt.Errorf("slack token not configured")
		}
		cfg.Enabled = true
		return gateway.NewSlack(cfg, d.logger), config.KeySlackToken, nil
	default:
		return nil, "", fmt.Errorf("unknown gateway %q", name)
	}
}

// commitTokenLocked stores a confirmed-working token in the runtime
// config so restarts reuse it. Caller holds d.mu.
func (d *Daemon) commitTokenLocked(name, token string) {
	switch name {
	case "discord":
		d.cfg.Gateways.Discord.Enabled = true
		d.cfg.Gateways.Discord.Token = token
	case "telegram":
		d.cfg.Gateways.Telegram.Enabled = true
		d.cfg.Gateways.Telegram.Token = token
	case "slack":
		d.cfg.Gateways.Slack.Enabled = true
		d.cfg.Gateways.Slack.BotToken = token
	}
}

// AddBot connects a new gateway bot with the given token and remembers
// the credential. The optional channel gets a hello message so the
// operator sees the bot land.
func (b *botController) AddBot(ctx context.Context, gatewayName, token, channel string) (string, error) {
	d := b.d
	if token == "" {
		return "", fmt.Errorf("token required")
	}

	d.mu.Lock()
	gw, keyName, err := d.newGatewayLocked(gatewayName, token)
	d.mu.Unlock()
	if err != nil {
		return "", err
	}

	// Attach outside the config lock: connecting calls the platform.
	if err := d.gateways.Attach(gw); err != nil {
		return "", err
	}

	d.mu.Lock()
	d.commitTokenLocked(gatewayName, token)
	d.mu.Unlock()
	if err := config.StoreKeyring(keyName, token); err != nil {
		d.logger.Debug("keyring store failed, token kept in memory only", "error", err)
	}

	if channel != "" {
		if _, err := d.gateways.Send(ctx, gatewayName, channel, d.cfg.Name+" is online."); err != nil {
			d.logger.Warn("bot greeting failed", "gateway", gatewayName, "error", err)
		}
	}

	d.events.Publish(Event{Type: "gateway", Gateway: gatewayName, Detail: "attached"})
	return gatewayName, nil
}

// SetPermissions remaps a message source to a role and hot-reloads the
// role table.
func (b *botController) SetPermissions(ctx context.Context, source, role string) error {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.cfg.Roles.Definitions[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	if d.cfg.Roles.SourceMapping == nil {
		d.cfg.Roles.SourceMapping = make(map[string]string)
	}
	d.cfg.Roles.SourceMapping[source] = role
	d.rolesMgr.Update(d.cfg.Roles)
	d.logger.Info("source role updated", "source", source, "role", role)
	return nil
}

// ConfigSnapshot returns the effective config as a generic map. The tool
// layer masks credentials for non-viewer callers.
func (b *botController) ConfigSnapshot(ctx context.Context) (map[string]any, error) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()

	data, err := yaml.Marshal(b.d.cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	var snapshot map[string]any
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return snapshot, nil
}

// ListBots reports every registered gateway with its connection state,
// effective role, and stored token.
func (b *botController) ListBots(ctx context.Context) ([]tools.BotInfo, error) {
	d := b.d

	d.mu.Lock()
	tokens := map[string]string{
		"discord":  d.cfg.Gateways.Discord.Token,
		"telegram": d.cfg.Gateways.Telegram.Token,
		"slack":    d.cfg.Gateways.Slack.BotToken,
	}
	d.mu.Unlock()

	health := d.gateways.HealthAll()
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	sort.Strings(names)

	bots := make([]tools.BotInfo, 0, len(names))
	for _, name := range names {
		bots = append(bots, tools.BotInfo{
			Name:      name,
			Gateway:   name,
			Connected: health[name].Connected,
			Role:      d.rolesMgr.RoleFor(name),
			Token:     tokens[name],
		})
	}
	return bots, nil
}

// RestartBot tears a gateway down and reconnects it with the stored
// credential.
func (b *botController) RestartBot(ctx context.Context, name string) error {
	d := b.d

	d.mu.Lock()
	gw, _, err := d.newGatewayLocked(name, "")
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := d.gateways.Detach(name); err != nil {
		return err
	}
	if err := d.gateways.Attach(gw); err != nil {
		return fmt.Errorf("reconnecting %s: %w", name, err)
	}

	d.events.Publish(Event{Type: "gateway", Gateway: name, Detail: "restarted"})
	return nil
}

// StopBot disconnects a gateway. Its configuration and token stay, so
// RestartBot or the next daemon start bring it back.
func (b *botController) StopBot(ctx context.Context, name string) error {
	if err := b.d.gateways.Detach(name); err != nil {
		return err
	}
	b.d.events.Publish(Event{Type: "gateway", Gateway: name, Detail: "stopped"})
	return nil
}
