package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references inside config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the config file, expands environment references, and applies
// MAMA_* environment overrides. A missing file yields defaults rather than
// an error so `mama run` works before `mama init`.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML. The previous file is kept as a .bak so a
// crash mid-write never loses the working configuration.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Refuse to write bytes that don't round-trip.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ---------- Environment ----------

// loadEnvFiles loads .env files from the state dir and cwd. godotenv never
// overwrites variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{
		filepath.Join(StateDir(), ".env"),
		".env",
		".env.local",
	} {
		_ = godotenv.Load(f)
	}
}

// applyEnvOverrides applies the MAMA_* environment variables on top of the
// loaded file. Environment always wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAMA_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("MAMA_DB_PATH"); v != "" {
		cfg.Memory.DBPath = ExpandHome(v)
	}
	if v := os.Getenv("MAMA_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.HTTP.Port = port
		}
	}
	if envBool("MAMA_DISABLE_HTTP_SERVER") {
		cfg.HTTP.Disabled = true
	}
	if envBool("MAMA_DISABLE_WEBSOCKET") {
		cfg.HTTP.DisableWebSocket = true
	}
	if envBool("MAMA_DISABLE_MOBILE_CHAT") {
		cfg.HTTP.DisableMobileChat = true
	}
	if v := os.Getenv("MAMA_AUTH_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
	if v := os.Getenv("MAMA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if envBool("MAMA_FORCE_TIER_3") {
		for name, p := range cfg.MultiAgent.Agents {
			p.Tier = 3
			cfg.MultiAgent.Agents[name] = p
		}
	}
}

// envBool interprets common truthy values ("1", "true", "yes", "on").
func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// CodexCommand resolves the Codex CLI binary: MAMA_CODEX_COMMAND, then
// CODEX_COMMAND, then "codex".
func CodexCommand() string {
	if v := os.Getenv("MAMA_CODEX_COMMAND"); v != "" {
		return v
	}
	if v := os.Getenv("CODEX_COMMAND"); v != "" {
		return v
	}
	return "codex"
}

// CodexHome returns CODEX_HOME when set; the Codex subprocess inherits it.
func CodexHome() string {
	return os.Getenv("CODEX_HOME")
}

// expandEnvVars replaces environment references in the raw YAML text.
// ${VAR:?message} returns an error when VAR is unset.
func expandEnvVars(input string) (string, error) {
	var missing []string

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, modValue := sub[1], sub[2], sub[3]
		bareVar := sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "-":
			return modValue
		case "?":
			msg := modValue
			if msg == "" {
				msg = "required environment variable not set"
			}
			missing = append(missing, varName+": "+msg)
			return match
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// checkFilePermissions warns when the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
