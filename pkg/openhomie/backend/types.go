// Package backend implements the LLM backends: an in-process streaming
// client for OpenAI-compatible APIs (OpenAI, Anthropic proxies, MPP,
// OpenRouter) and subprocess backends wrapping the Claude Code and Codex
// CLIs. All backends satisfy the same Completer contract.
package backend

import (
	"context"
	"encoding/json"
	"strings"
)

// Message is one entry in the model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolRunner executes a tool call on behalf of the completion loop and
// returns the text result handed back to the model.
type ToolRunner interface {
	RunTool(ctx context.Context, call ToolCall) (string, error)
}

// Usage is normalized token and cost accounting for one completion.
type Usage struct {
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	ReasoningTokens int64   `json:"reasoningTokens"`
	CacheReadTokens int64   `json:"cacheReadTokens"`
	CostUSD         float64 `json:"costUsd"`
	TxHash          string  `json:"txHash,omitempty"`
}

// Add accumulates usage across steps.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CostUSD += other.CostUSD
	if u.TxHash == "" {
		u.TxHash = other.TxHash
	}
}

// Step records one model round in the tool loop.
type Step struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// StreamObserver receives streaming events during a completion. Callbacks
// arrive in stream order and never overlap within a turn. Any method may be
// left as a no-op by embedding NopObserver.
type StreamObserver interface {
	OnTextDelta(delta string)
	OnReasoningDelta(delta string)
	OnToolCall(call ToolCall)
	OnToolInputStart(callID, name string)
	OnToolInputDelta(callID, delta string)
	OnToolInputEnd(callID string)
	OnToolResult(callID, result string)
	OnStepFinish(step Step)
	OnError(err error)
	OnAbort()
	OnFinish(result Result)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnTextDelta(string)              {}
func (NopObserver) OnReasoningDelta(string)         {}
func (NopObserver) OnToolCall(ToolCall)             {}
func (NopObserver) OnToolInputStart(string, string) {}
func (NopObserver) OnToolInputDelta(string, string) {}
func (NopObserver) OnToolInputEnd(string)           {}
func (NopObserver) OnToolResult(string, string)     {}
func (NopObserver) OnStepFinish(Step)               {}
func (NopObserver) OnError(error)                   {}
func (NopObserver) OnAbort()                        {}
func (NopObserver) OnFinish(Result)                 {}

// CompleteParams are the inputs to one completion.
type CompleteParams struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
	Runner   ToolRunner
	MaxSteps int
	Model    string // empty = backend default
	Observer StreamObserver
}

// Result is the outcome of a completion.
type Result struct {
	Text    string `json:"text"`
	Steps   []Step `json:"steps"`
	Usage   Usage  `json:"usage"`
	ModelID string `json:"modelId"`
}

// Completer is the backend contract the engine depends on.
type Completer interface {
	Complete(ctx context.Context, p CompleteParams) (Result, error)
}

// ObjectCompleter is optionally implemented by backends that support
// JSON-schema-constrained outputs.
type ObjectCompleter interface {
	CompleteObject(ctx context.Context, p CompleteParams, schema json.RawMessage, v any) error
}

// EndsWithQuestion reports whether text ends with a question, used by the
// feedback scorer.
func EndsWithQuestion(text string) bool {
	t := strings.TrimRight(strings.TrimSpace(text), `"')`)
	return strings.HasSuffix(t, "?")
}
