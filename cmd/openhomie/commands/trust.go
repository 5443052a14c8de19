package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

// newTrustCmd creates the `openhomie trust` command group for trust tier
// overrides.
func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Override a person's trust tier",
		Long: `Pin a person's trust tier regardless of their relationship score, or
clear the pin so the tier derives from the score again. Tiers:
new_contact, getting_to_know, close_friend.

Examples:
  openhomie trust set signal +15551234 close_friend
  openhomie trust clear signal +15551234`,
	}

	cmd.AddCommand(newTrustSetCmd(), newTrustClearCmd())
	return cmd
}

func newTrustSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <channel> <author-id> <tier>",
		Short: "Pin a person's trust tier",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTrustOverride(cmd, args[0], args[1], strings.ToLower(args[2]))
		},
	}
}

func newTrustClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <channel> <author-id>",
		Short: "Clear the pin so the tier derives from the score again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTrustOverride(cmd, args[0], args[1], "")
		},
	}
}

func setTrustOverride(cmd *cobra.Command, channel, authorID, tier string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	memory, err := store.NewMemoryStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return err
	}
	defer memory.Close()

	ctx := context.Background()
	person, err := memory.GetPerson(ctx, channel, authorID)
	if err != nil {
		return fmt.Errorf("unknown person %s on %s: %w", authorID, channel, err)
	}
	if err := memory.SetTrustTierOverride(ctx, person.ID, tier); err != nil {
		return err
	}
	person.TrustTierOverride = tier
	fmt.Printf("%s (%s:%s) trust tier is now %s\n", person.DisplayName, channel, authorID, person.TrustTier())
	return nil
}
