package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/openhomie/pkg/openhomie/channels"
	"github.com/jholhewres/openhomie/pkg/openhomie/engine"
)

// newChatCmd creates the `openhomie chat` command for an interactive session.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot in the terminal",
		Long: `Start an interactive terminal session. Type messages, the bot
answers inline. /quit or Ctrl-D ends the session.`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cli := channels.NewCLIChannel(rt.pack.Name(), cfg.Paths.DataDir, logger)
	handle := func(ctx context.Context, msg engine.IncomingMessage) (engine.OutgoingAction, error) {
		action, err := rt.engine.HandleIncomingMessage(ctx, msg, nil)
		return channels.AdaptAction(cli, action), err
	}
	batcher := channels.NewBatcher(cfg.Engine.Accumulator, handle, func(chatID string, action engine.OutgoingAction) {
		if err := cli.Deliver(ctx, chatID, action); err != nil {
			logger.Warn("deferred delivery failed", "chat_id", chatID, "error", err)
		}
	}, logger)
	defer batcher.Stop()

	return cli.Run(ctx, batcher.Submit)
}
