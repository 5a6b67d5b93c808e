package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// newSetupCmd creates the `mama setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walks through the initial configuration: assistant name, model,
chat platforms, and bot tokens. Tokens go to the OS keyring when one is
available, so config.yaml never holds a secret.

Examples:
  mama setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if err := config.EnsureStateDirs(); err != nil {
		return fmt.Errorf("creating state directories: %w", err)
	}

	path := configPath(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var (
		name      = cfg.Name
		model     = cfg.Agent.Effective().Model
		timezone  = cfg.Scheduler.Timezone
		platforms []string

		discordToken  string
		telegramToken string
		slackToken    string
		authToken     string

		save = true
	)
	if cfg.Gateways.Discord.Enabled {
		platforms = append(platforms, "discord")
	}
	if cfg.Gateways.Telegram.Enabled {
		platforms = append(platforms, "telegram")
	}
	if cfg.Gateways.Slack.Enabled {
		platforms = append(platforms, "slack")
	}

	requireToken := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("token is required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&name),
			huh.NewSelect[string]().
				Title("Model").
				Options(
					huh.NewOption("Claude Sonnet 4 (balanced, default)", "claude-sonnet-4"),
					huh.NewOption("Claude Opus 4 (most capable)", "claude-opus-4"),
					huh.NewOption("Claude Haiku 3.5 (fast, cheap)", "claude-haiku-3-5"),
				).
				Value(&model),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name for schedules, e.g. America/Sao_Paulo. Empty = system local.").
				Value(&timezone),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Chat platforms").
				Description("Where should the agent answer? Tokens come next.").
				Options(
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Slack", "slack"),
				).
				Value(&platforms),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Validate(requireToken).
				Value(&discordToken),
		).WithHideFunc(func() bool { return !slices.Contains(platforms, "discord") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				EchoMode(huh.EchoModePassword).
				Validate(requireToken).
				Value(&telegramToken),
		).WithHideFunc(func() bool { return !slices.Contains(platforms, "telegram") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Slack bot token (xoxb-)").
				EchoMode(huh.EchoModePassword).
				Validate(requireToken).
				Value(&slackToken),
		).WithHideFunc(func() bool { return !slices.Contains(platforms, "slack") }),
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP auth token").
				Description("Protects /status, /api/chat, and /ws. Empty leaves them open on localhost.").
				EchoMode(huh.EchoModePassword).
				Value(&authToken),
			huh.NewConfirm().
				Title(fmt.Sprintf("Save to %s?", path)).
				Value(&save),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}
	if !save {
		fmt.Println("Setup cancelled. Nothing written.")
		return nil
	}

	cfg.Name = name
	cfg.Agent.Model = model
	cfg.Scheduler.Timezone = timezone

	// Tokens go to the keyring when one is available; the config file
	// only holds them as a last resort.
	useKeyring := config.KeyringAvailable()
	inKeyring := 0
	store := func(key, token string) string {
		if token == "" {
			return ""
		}
		if useKeyring {
			if err := config.StoreKeyring(key, token); err == nil {
				inKeyring++
				return ""
			}
		}
		return token
	}

	cfg.Gateways.Discord.Enabled = slices.Contains(platforms, "discord")
	cfg.Gateways.Telegram.Enabled = slices.Contains(platforms, "telegram")
	cfg.Gateways.Slack.Enabled = slices.Contains(platforms, "slack")
	if cfg.Gateways.Discord.Enabled {
		cfg.Gateways.Discord.Token = store(config.KeyDiscordToken, discordToken)
	}
	if cfg.Gateways.Telegram.Enabled {
		cfg.Gateways.Telegram.Token = store(config.KeyTelegramToken, telegramToken)
	}
	if cfg.Gateways.Slack.Enabled {
		cfg.Gateways.Slack.BotToken = store(config.KeySlackToken, slackToken)
	}
	cfg.HTTP.AuthToken = store(config.KeyAuthToken, authToken)

	if err := config.Save(cfg, path); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Saved %s\n", path)
	if inKeyring > 0 {
		fmt.Printf("%d secret(s) stored in the OS keyring; config.yaml holds none of them.\n", inKeyring)
	} else if !useKeyring && (discordToken != "" || telegramToken != "" || slackToken != "" || authToken != "") {
		fmt.Println("No OS keyring available; tokens were written to config.yaml (mode 600).")
	}
	fmt.Println()
	fmt.Println("Next: mama start")
	return nil
}
