package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/jholhewres/openhomie/pkg/openhomie/engine"
)

// CLIChatID is the chat id the CLI transport always uses.
const CLIChatID = "cli:local"

// CLIChannel is the interactive terminal transport. The operator types, the
// bot answers inline. Reactions render as a line since a terminal has no
// native reaction mechanism.
type CLIChannel struct {
	botName string
	out     io.Writer
	logger  *slog.Logger
	history string
}

// NewCLIChannel builds the CLI transport. dataDir hosts the readline history
// file; empty disables history.
func NewCLIChannel(botName, dataDir string, logger *slog.Logger) *CLIChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if botName == "" {
		botName = "homie"
	}
	history := ""
	if dataDir != "" {
		history = filepath.Join(dataDir, "cli_history")
	}
	return &CLIChannel{botName: botName, out: os.Stdout, logger: logger, history: history}
}

func (c *CLIChannel) Name() string            { return "cli" }
func (c *CLIChannel) SupportsReactions() bool { return true }

// Run reads lines until EOF or cancellation.
func (c *CLIChannel) Run(ctx context.Context, handle Handler) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return c.runPiped(ctx, handle)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     c.history,
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	seq := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil { // io.EOF
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		seq++
		action, err := handle(ctx, c.incoming(line, seq))
		if err != nil {
			c.logger.Debug("turn ended with error", "error", err)
		}
		c.render(action)
	}
}

// runPiped serves non-interactive stdin (scripts, pipes) without readline.
func (c *CLIChannel) runPiped(ctx context.Context, handle Handler) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			seq++
			action, err := handle(ctx, c.incoming(line, seq))
			if err != nil {
				c.logger.Debug("turn ended with error", "error", err)
			}
			c.render(action)
		}
	}
}

func (c *CLIChannel) incoming(text string, seq int) engine.IncomingMessage {
	return engine.IncomingMessage{
		Channel:     "cli",
		ChatID:      CLIChatID,
		MessageID:   fmt.Sprintf("in:%d", seq),
		AuthorID:    "operator",
		Text:        text,
		IsOperator:  true,
		TimestampMs: time.Now().UnixMilli(),
	}
}

func (c *CLIChannel) render(action engine.OutgoingAction) {
	switch action.Kind {
	case engine.ActionSendText:
		fmt.Fprintf(c.out, "%s> %s\n", c.botName, action.Text)
	case engine.ActionReact:
		fmt.Fprintf(c.out, "%s reacted %s\n", c.botName, action.Emoji)
	case engine.ActionSilence:
		c.logger.Debug("silence", "reason", action.Reason)
	}
}

// Deliver prints a proactive action to the terminal.
func (c *CLIChannel) Deliver(_ context.Context, _ string, action engine.OutgoingAction) error {
	c.render(action)
	return nil
}
