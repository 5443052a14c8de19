package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/openhomie/pkg/openhomie/schedule"
)

// newScheduleCmd creates the `openhomie schedule` command group.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage proactive events",
		Long: `Manage the bot's proactive events: one-shot reminders and
recurring check-ins.

Examples:
  openhomie schedule list
  openhomie schedule add --chat cli:local --kind check_in --cron "0 9 * * *"
  openhomie schedule add --chat whatsapp:dm:5511999 --kind reminder --at 2026-09-01T10:00:00Z --note "dentist"
  openhomie schedule cancel 3`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleCancelCmd(),
	)

	return cmd
}

func openScheduler(cmd *cobra.Command) (*schedule.EventScheduler, error) {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return schedule.NewEventScheduler(cfg.Paths.DataDir, logger)
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending proactive events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sched, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer sched.Close()

			events, err := sched.Pending(context.Background())
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No pending events.")
				return nil
			}
			for _, ev := range events {
				due := time.UnixMilli(ev.DueAtMs).Local().Format(time.RFC3339)
				line := fmt.Sprintf("%d  %-10s %-24s due %s", ev.ID, ev.Kind, ev.ChatID, due)
				if ev.CronExpr != "" {
					line += fmt.Sprintf("  (cron %q)", ev.CronExpr)
				}
				if ev.Note != "" {
					line += fmt.Sprintf("  # %s", ev.Note)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a proactive event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chatID, _ := cmd.Flags().GetString("chat")
			kind, _ := cmd.Flags().GetString("kind")
			cronExpr, _ := cmd.Flags().GetString("cron")
			at, _ := cmd.Flags().GetString("at")
			note, _ := cmd.Flags().GetString("note")

			if chatID == "" {
				return fmt.Errorf("--chat is required")
			}
			if cronExpr == "" && at == "" {
				return fmt.Errorf("either --cron or --at is required")
			}

			ev := schedule.ProactiveEvent{Kind: kind, ChatID: chatID, Note: note, CronExpr: cronExpr}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("bad --at time %q: %w", at, err)
				}
				ev.DueAtMs = t.UnixMilli()
			}

			sched, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer sched.Close()

			id, err := sched.Schedule(context.Background(), ev)
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled event %d.\n", id)
			return nil
		},
	}

	cmd.Flags().String("chat", "", "target chat id, e.g. cli:local or whatsapp:dm:5511999")
	cmd.Flags().String("kind", "check_in", "event kind: check_in, reminder, birthday")
	cmd.Flags().String("cron", "", "recurring schedule as standard cron, e.g. \"0 9 * * *\"")
	cmd.Flags().String("at", "", "one-shot due time as RFC3339, e.g. 2026-09-01T10:00:00Z")
	cmd.Flags().String("note", "", "free-form note carried with the event")
	return cmd
}

func newScheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad event id %q", args[0])
			}
			sched, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer sched.Close()

			if err := sched.Cancel(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("Event %d cancelled.\n", id)
			return nil
		},
	}
}
