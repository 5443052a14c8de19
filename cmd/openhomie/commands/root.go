// Package commands implements the openhomie CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openhomie",
		Short: "openhomie - a friend bot that lives in your chats",
		Long: `openhomie is a multi-channel friend bot: it hangs out in your chats,
answers like a person, remembers things about people, and occasionally
reaches out on its own.

Examples:
  openhomie chat
  openhomie serve
  openhomie schedule add --chat cli:local --kind check_in --cron "0 9 * * *"
  openhomie key set`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newServeCmd(),
		newScheduleCmd(),
		newTrustCmd(),
		newKeyCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads .env, then the YAML config (defaults when no file is
// given), and resolves the API key from config, keyring, or environment.
func resolveConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else if _, serr := os.Stat("openhomie.yaml"); serr == nil {
		cfg, err = config.Load("openhomie.yaml")
	} else {
		c := config.Default()
		err = c.Validate()
		cfg = c
	}
	if err != nil {
		return nil, nil, err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)

	config.ResolveAPIKey(cfg, logger)
	return cfg, logger, nil
}
