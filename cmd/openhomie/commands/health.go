package commands

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `openhomie health` command. It queries the health
// endpoint of a running daemon, prints the JSON body, and exits non-zero when
// the daemon is unhealthy or unreachable. Suitable for Docker HEALTHCHECK.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a running daemon's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get("http://" + cfg.Health.Addr + "/health")
			if err != nil {
				return fmt.Errorf("health endpoint unreachable: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			fmt.Println(string(body))
			if resp.StatusCode != http.StatusOK {
				os.Exit(1)
			}
			return nil
		},
	}
}
