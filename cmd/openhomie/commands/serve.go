package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/openhomie/pkg/openhomie/channels"
	"github.com/jholhewres/openhomie/pkg/openhomie/engine"
	"github.com/jholhewres/openhomie/pkg/openhomie/health"
	"github.com/jholhewres/openhomie/pkg/openhomie/schedule"
)

// newServeCmd creates the `openhomie serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot as a daemon",
		Long: `Run openhomie as a daemon: serve the CLI transport, the health
endpoint, the proactive heartbeat, and the feedback finalizer.

Examples:
  openhomie serve
  openhomie serve --config ./openhomie.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	cli := channels.NewCLIChannel(rt.pack.Name(), cfg.Paths.DataDir, logger)

	healthSrv := health.NewServer(
		cfg.Health.Addr,
		rt.lifecycle,
		rt.engine.LastSuccessfulTurnMs,
		time.Duration(cfg.Health.CheckTimeoutMs)*time.Millisecond,
		logger,
	)
	healthSrv.AddCheck("sessions", func(ctx context.Context) error {
		_, err := rt.sessions.GetMessages(ctx, channels.CLIChatID, 1)
		return err
	})
	healthSrv.Start()

	proactiveLoop := rt.startProactiveLoop(ctx, func(ctx context.Context, ev schedule.ProactiveEvent, action engine.OutgoingAction) error {
		return cli.Deliver(ctx, ev.ChatID, channels.AdaptAction(cli, action))
	})
	feedbackLoop := rt.startFeedbackLoop(ctx)
	consolidationLoop := rt.startConsolidationLoop(ctx)

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

	// The CLI pump runs in the foreground; a signal tears everything down.
	errCh := make(chan error, 1)
	go func() {
		errCh <- cli.Run(ctx, batcher.Submit)
	}()

	logger.Info("openhomie running", "name", rt.pack.Name(), "health_addr", cfg.Health.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("transport stopped", "error", err)
		}
	}

	rt.lifecycle.BeginShutdown()
	cancel()
	if proactiveLoop != nil {
		proactiveLoop.Stop()
	}
	if feedbackLoop != nil {
		feedbackLoop.Stop()
	}
	if consolidationLoop != nil {
		consolidationLoop.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}

	fmt.Fprintln(os.Stderr, "bye")
	return nil
}
