package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/daemon"
)

// newStatusCmd creates the `mama status` command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Reports whether the daemon is running, its uptime, gateway health, and schedule count.",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	pid, err := daemon.ReadPIDFile(config.PIDFilePath())
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Println("MAMA is not running.")
		return daemon.ErrNotRunning
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("MAMA is running (pid %d).\n", pid)

	if cfg.HTTP.Disabled {
		fmt.Println("HTTP server disabled; detailed status unavailable.")
		return nil
	}

	status, err := fetchStatus(cfg)
	if err != nil {
		fmt.Printf("Status endpoint unreachable: %v\n", err)
		return nil
	}

	fmt.Printf("  Name:      %s\n", status.Name)
	fmt.Printf("  Uptime:    %s\n", status.Uptime)
	fmt.Printf("  Sessions:  %d\n", status.Sessions)
	if len(status.Gateways) > 0 {
		fmt.Println("  Gateways:")
		names := make([]string, 0, len(status.Gateways))
		for name := range status.Gateways {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			gw := status.Gateways[name]
			state := "disconnected"
			if gw.Connected {
				state = "connected"
			}
			fmt.Printf("    %-10s %-12s errors: %d\n", name, state, gw.ErrorCount)
		}
	}
	fmt.Printf("  Schedules: %d\n", len(status.Schedules))
	return nil
}

// fetchStatus queries the local HTTP facade for the live snapshot.
func fetchStatus(cfg *config.Config) (*daemon.Status, error) {
	// Quiet resolver: status only needs the auth token, not startup logs.
	config.ResolveSecrets(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	url := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.HTTP.Effective().Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.HTTP.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.HTTP.AuthToken)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}
