package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ClaudeCodeConfig configures the Claude Code CLI backend.
type ClaudeCodeConfig struct {
	Binary   string // default "claude"
	Timeouts SpawnTimeouts
}

// ClaudeCodeBackend runs completions through the Claude Code CLI. The system
// prompt goes via --append-system-prompt, the user prompt via stdin, and the
// response arrives as a stream-json event sequence on stdout.
type ClaudeCodeBackend struct {
	cfg    ClaudeCodeConfig
	logger *slog.Logger
}

// NewClaudeCodeBackend creates the backend from config.
func NewClaudeCodeBackend(cfg ClaudeCodeConfig, logger *slog.Logger) *ClaudeCodeBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Timeouts == (SpawnTimeouts{}) {
		cfg.Timeouts = DefaultSpawnTimeouts()
	}
	return &ClaudeCodeBackend{cfg: cfg, logger: logger.With("component", "backend", "provider", "claude-code")}
}

// claudeEvent is one stream-json line from the CLI.
type claudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  string          `json:"result"`
	Usage   json.RawMessage `json:"usage"`
	IsError bool            `json:"is_error"`
}

// Complete runs one completion. The CLI manages its own tool use; MaxSteps
// and Tools are not forwarded. Because output streams to the observer, a
// failed call is never retried after the first delta.
func (b *ClaudeCodeBackend) Complete(ctx context.Context, p CompleteParams) (Result, error) {
	obs := p.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	prompt := renderPrompt(p.Messages)
	args := []string{"--output-format", "stream-json", "--verbose", "-p"}
	if p.System != "" {
		args = append([]string{"--append-system-prompt", p.System}, args...)
	}
	if p.Model != "" {
		args = append([]string{"--model", p.Model}, args...)
	}

	var dec LineDecoder
	var result Result
	result.ModelID = p.Model
	sawDelta := false

	handle := func(raw json.RawMessage) {
		var ev claudeEvent
		if json.Unmarshal(raw, &ev) != nil {
			return
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					sawDelta = true
					obs.OnTextDelta(block.Text)
				}
			}
		case "result":
			result.Text = ev.Result
			if len(ev.Usage) > 0 {
				result.Usage = normalizeCLIUsage(ev.Usage, "")
			}
		}
	}

	res, err := SpawnWithTimeouts(ctx, b.cfg.Timeouts,
		Command{Name: b.cfg.Binary, Args: args, Stdin: prompt},
		func(chunk []byte) {
			for _, raw := range dec.Feed(chunk) {
				handle(raw)
			}
		})
	if err != nil {
		obs.OnAbort()
		return result, err
	}
	for _, raw := range dec.Flush() {
		handle(raw)
	}
	if result.Usage.TxHash == "" {
		result.Usage.TxHash = FindTxHash(res.Stdout)
	}

	if cerr := res.Classify(); cerr != nil {
		// A stream that already produced visible output must not be retried
		// upstream; degrade the kind so the caller treats it as final.
		if sawDelta && KindOf(cerr) == KindTransient {
			cerr = NewTurnError(KindFatal, fmt.Errorf("stream failed after output: %w", cerr))
		}
		obs.OnError(cerr)
		return result, cerr
	}

	if result.Text == "" && sawDelta {
		b.logger.Warn("claude-code stream ended without a result event")
	}
	result.Steps = []Step{{Text: result.Text}}
	obs.OnFinish(result)
	return result, nil
}

// renderPrompt flattens the message history into a single prompt for CLIs
// that take one stdin document rather than a message array.
func renderPrompt(msgs []Message) string {
	var out string
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		switch m.Role {
		case "user":
			out += m.Content
		default:
			out += "[" + m.Role + "]\n" + m.Content
		}
	}
	return out
}
