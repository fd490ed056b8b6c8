package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hydrotwin/hydrotwin/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show simulator and monitor status from a running daemon",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	base := fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	for _, svc := range []struct{ name, path string }{
		{"Simulator", "/api/scada-simulator/status"},
		{"Monitor", "/api/monitoring/status"},
	} {
		resp, err := client.Get(base + svc.path)
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s (is `hydrotwin serve` running?): %w", base, err)
		}
		var body struct {
			Status struct {
				State     string `json:"state"`
				NetworkID string `json:"network_id"`
				Error     string `json:"error"`
			} `json:"status"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode %s status: %w", svc.name, err)
		}

		fmt.Printf("%s: %s", svc.name, body.Status.State)
		if body.Status.State != "stopped" {
			fmt.Printf(" (network %s)", body.Status.NetworkID)
		}
		if body.Status.Error != "" {
			fmt.Printf(" — %s", body.Status.Error)
		}
		fmt.Println()
	}
	return nil
}
