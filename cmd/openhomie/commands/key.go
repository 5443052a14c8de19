package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
)

// newKeyCmd creates the `openhomie key` command group for API key management.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the API key in the OS keyring",
		Long: `Store or remove the model provider API key in the OS keyring
(Linux Secret Service, macOS Keychain, Windows Credential Manager).
Keys in the keyring stay out of config files and shell history.

Examples:
  openhomie key set
  openhomie key delete`,
	}

	cmd.AddCommand(newKeySetCmd(), newKeyDeleteCmd())
	return cmd
}

func newKeySetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Store the API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("no usable OS keyring found; set the key via config or environment instead")
			}

			fmt.Fprint(os.Stderr, "API key: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			key := strings.TrimSpace(string(raw))
			if key == "" {
				return fmt.Errorf("empty key")
			}

			if err := config.StoreAPIKey(key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the API key from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteAPIKey(); err != nil {
				return fmt.Errorf("delete key: %w", err)
			}
			fmt.Println("API key removed from the OS keyring.")
			return nil
		},
	}
}
