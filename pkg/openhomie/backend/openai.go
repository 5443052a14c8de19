package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIConfig configures the in-process streaming backend. The OpenAI wire
// format also serves Anthropic proxies, MPP, and OpenRouter.
type OpenAIConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string // one-shot fallback when the model is unavailable
	MaxRetries    int    // transient retries per step (default 2)
}

// OpenAIBackend streams chat completions over an OpenAI-compatible API and
// drives a bounded tool loop.
type OpenAIBackend struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIBackend creates the backend from config.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &OpenAIBackend{
		cfg: cfg,
		// No global timeout; streams can legitimately run minutes. Each
		// phase has its own bound via the transport.
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "backend", "provider", "openai-compatible"),
	}
}

// wire types for the OpenAI chat completions API.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// Complete runs the tool loop: stream a step, execute requested tools, feed
// results back, repeat up to MaxSteps. Transient errors retry only when the
// failed step streamed nothing (a retry after visible deltas would duplicate
// output). Model-unavailable errors fall back to the configured default once.
func (b *OpenAIBackend) Complete(ctx context.Context, p CompleteParams) (Result, error) {
	obs := p.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	model := p.Model
	if model == "" {
		model = b.cfg.Model
	}
	maxSteps := p.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	msgs := make([]chatMessage, 0, len(p.Messages)+1)
	if p.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.System})
	}
	for _, m := range p.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wire := chatToolCall{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Name
			wire.Function.Arguments = string(tc.Arguments)
			cm.ToolCalls = append(cm.ToolCalls, wire)
		}
		msgs = append(msgs, cm)
	}

	var result Result
	result.ModelID = model
	usedFallback := false

	for step := 0; step < maxSteps; step++ {
		text, calls, usage, err := b.streamStep(ctx, obs, model, msgs, p.Tools)
		if err != nil {
			kind := KindOf(err)
			if kind == KindModelUnavailable && !usedFallback && b.cfg.FallbackModel != "" && b.cfg.FallbackModel != model {
				b.logger.Warn("model unavailable, falling back", "model", model, "fallback", b.cfg.FallbackModel)
				model = b.cfg.FallbackModel
				result.ModelID = model
				usedFallback = true
				step--
				continue
			}
			obs.OnError(err)
			return result, err
		}
		result.Usage.Add(usage)

		s := Step{Text: text, ToolCalls: calls}
		result.Steps = append(result.Steps, s)
		obs.OnStepFinish(s)

		if len(calls) == 0 {
			result.Text = text
			obs.OnFinish(result)
			return result, nil
		}

		assistant := chatMessage{Role: "assistant", Content: text}
		for _, c := range calls {
			wire := chatToolCall{ID: c.ID, Type: "function"}
			wire.Function.Name = c.Name
			wire.Function.Arguments = string(c.Arguments)
			assistant.ToolCalls = append(assistant.ToolCalls, wire)
		}
		msgs = append(msgs, assistant)

		for _, c := range calls {
			obs.OnToolCall(c)
			var output string
			if p.Runner == nil {
				output = "tool execution is not available"
			} else {
				out, err := p.Runner.RunTool(ctx, c)
				if err != nil {
					if ctx.Err() != nil {
						obs.OnAbort()
						return result, NewTurnError(KindCancelled, ctx.Err())
					}
					// Tool failures go back to the model as text; the turn
					// continues.
					out = "tool error: " + err.Error()
				}
				output = out
			}
			obs.OnToolResult(c.ID, output)
			msgs = append(msgs, chatMessage{Role: "tool", Content: output, ToolCallID: c.ID})
		}
	}

	// Step budget exhausted: return the last text we have.
	if n := len(result.Steps); n > 0 {
		result.Text = result.Steps[n-1].Text
	}
	obs.OnFinish(result)
	return result, nil
}

// streamStep performs one streaming request with bounded transient retries.
func (b *OpenAIBackend) streamStep(ctx context.Context, obs StreamObserver, model string, msgs []chatMessage, tools []ToolSpec) (string, []ToolCall, Usage, error) {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", nil, Usage{}, NewTurnError(KindCancelled, ctx.Err())
			case <-time.After(time.Duration(attempt) * 800 * time.Millisecond):
			}
		}
		text, calls, usage, streamed, err := b.doStream(ctx, obs, model, msgs, tools)
		if err == nil {
			return text, calls, usage, nil
		}
		lastErr = err
		if KindOf(err) != KindTransient || streamed {
			// Never retry after deltas reached the observer.
			return "", nil, Usage{}, err
		}
		b.logger.Warn("transient backend error, retrying", "attempt", attempt+1, "error", err)
	}
	return "", nil, Usage{}, lastErr
}

func (b *OpenAIBackend) doStream(ctx context.Context, obs StreamObserver, model string, msgs []chatMessage, tools []ToolSpec) (text string, calls []ToolCall, usage Usage, streamed bool, err error) {
	req := chatRequest{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, Usage{}, false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, Usage{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, Usage{}, false, NewTurnError(KindCancelled, ctx.Err())
		}
		return "", nil, Usage{}, false, NewTurnError(KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return "", nil, Usage{}, false, classifyHTTPError(resp.StatusCode, string(raw))
	}

	var textBuf strings.Builder
	pending := map[int]*pendingCall{}
	openInputs := map[int]bool{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk streamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue // provider noise
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			usage.ReasoningTokens = chunk.Usage.CompletionTokensDetails.ReasoningTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			streamed = true
			textBuf.WriteString(delta.Content)
			obs.OnTextDelta(delta.Content)
		}
		if delta.ReasoningContent != "" {
			streamed = true
			obs.OnReasoningDelta(delta.ReasoningContent)
		}
		for _, tc := range delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &pendingCall{}
				pending[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if !openInputs[tc.Index] && pc.name != "" {
				obs.OnToolInputStart(pc.id, pc.name)
				openInputs[tc.Index] = true
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				obs.OnToolInputDelta(pc.id, tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", nil, Usage{}, streamed, NewTurnError(KindCancelled, ctx.Err())
		}
		return "", nil, Usage{}, streamed, NewTurnError(KindTransient, fmt.Errorf("stream read: %w", err))
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		pc := pending[i]
		obs.OnToolInputEnd(pc.id)
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: pc.id, Name: pc.name, Arguments: json.RawMessage(args)})
	}
	return textBuf.String(), calls, usage, streamed, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// classifyHTTPError maps a non-200 completion response to an error kind.
func classifyHTTPError(status int, body string) error {
	err := fmt.Errorf("completion failed: HTTP %d: %s", status, body)
	switch {
	case IsContextOverflowText(body) || (status == 400 && strings.Contains(strings.ToLower(body), "token")):
		return NewTurnError(KindContextOverflow, err)
	case IsModelUnavailableText(body) || status == http.StatusNotFound:
		return NewTurnError(KindModelUnavailable, err)
	case status == http.StatusTooManyRequests || status >= 500 || IsTransientText(body):
		return NewTurnError(KindTransient, err)
	default:
		return NewTurnError(KindFatal, err)
	}
}
