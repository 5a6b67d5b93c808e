package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring (Linux:
// Secret Service, macOS: Keychain, Windows: Credential Manager).
const keyringService = "mama"

// Keyring key names for stored credentials.
const (
	KeyDiscordToken  = "discord_token"
	KeyTelegramToken = "telegram_token"
	KeySlackToken    = "slack_token"
	KeyAuthToken     = "auth_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns "" when the
// key is absent or the keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks whether the OS keyring accepts writes, using a
// write+delete cycle with a throwaway key.
func KeyringAvailable() bool {
	const testKey = "__mama_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills empty credential fields in place using the
// priority chain: OS keyring → environment variable → config value.
// Config values already set (including ones expanded from ${VAR}
// references) are kept.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	resolve := func(field *string, keyringKey, envVar, label string) {
		if *field != "" {
			return
		}
		if v := GetKeyring(keyringKey); v != "" {
			*field = v
			logger.Debug(label + " loaded from OS keyring")
			return
		}
		if v := os.Getenv(envVar); v != "" {
			*field = v
			logger.Debug(label + " loaded from environment")
		}
	}

	resolve(&cfg.Gateways.Discord.Token, KeyDiscordToken, "DISCORD_BOT_TOKEN", "discord token")
	resolve(&cfg.Gateways.Telegram.Token, KeyTelegramToken, "TELEGRAM_BOT_TOKEN", "telegram token")
	resolve(&cfg.Gateways.Slack.BotToken, KeySlackToken, "SLACK_BOT_TOKEN", "slack token")
	resolve(&cfg.HTTP.AuthToken, KeyAuthToken, "MAMA_AUTH_TOKEN", "http auth token")
}
