package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// CodexConfig configures the Codex CLI backend.
type CodexConfig struct {
	Binary   string // default "codex"
	Timeouts SpawnTimeouts
}

// CodexBackend runs completions through the Codex CLI, reading its JSONL item
// stream and extracting completed agent messages.
type CodexBackend struct {
	cfg    CodexConfig
	logger *slog.Logger
}

// NewCodexBackend creates the backend from config.
func NewCodexBackend(cfg CodexConfig, logger *slog.Logger) *CodexBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	if cfg.Timeouts == (SpawnTimeouts{}) {
		cfg.Timeouts = DefaultSpawnTimeouts()
	}
	return &CodexBackend{cfg: cfg, logger: logger.With("component", "backend", "provider", "codex-cli")}
}

// codexItem is one JSONL event from the CLI.
type codexItem struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Usage json.RawMessage `json:"usage"`
}

// Complete runs one completion through `codex exec --json`.
func (b *CodexBackend) Complete(ctx context.Context, p CompleteParams) (Result, error) {
	obs := p.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	prompt := p.System
	if body := renderPrompt(p.Messages); body != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += body
	}

	args := []string{"exec", "--json"}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	args = append(args, "-")

	var dec LineDecoder
	var result Result
	result.ModelID = p.Model
	sawDelta := false

	handle := func(raw json.RawMessage) {
		var it codexItem
		if json.Unmarshal(raw, &it) != nil {
			return
		}
		if it.Type == "item.completed" && it.Item.Type == "agent_message" && it.Item.Text != "" {
			sawDelta = true
			result.Text = it.Item.Text
			obs.OnTextDelta(it.Item.Text)
		}
		if len(it.Usage) > 0 {
			result.Usage = normalizeCLIUsage(it.Usage, "")
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
		if sawDelta && KindOf(cerr) == KindTransient {
			cerr = NewTurnError(KindFatal, fmt.Errorf("stream failed after output: %w", cerr))
		}
		obs.OnError(cerr)
		return result, cerr
	}

	result.Steps = []Step{{Text: result.Text}}
	obs.OnFinish(result)
	return result, nil
}
