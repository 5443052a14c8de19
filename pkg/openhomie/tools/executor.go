package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
)

// TruncationRecord notes a tool result that blew its token budget.
type TruncationRecord struct {
	ToolName   string `json:"toolName"`
	TokensUsed int    `json:"tokensUsed"`
	Truncated  bool   `json:"truncated"`
}

// Budget tracks per-turn tool output limits: a cap per tool call and a
// shared pool across the turn.
type Budget struct {
	mu               sync.Mutex
	maxTokensPerTool int
	remainingTokens  int
	truncations      []TruncationRecord
}

// NewBudget creates a per-turn budget.
func NewBudget(maxTokensPerTool, totalTokens int) *Budget {
	return &Budget{maxTokensPerTool: maxTokensPerTool, remainingTokens: totalTokens}
}

// clamp enforces the budget on one tool output and records truncations.
func (b *Budget) clamp(toolName, output string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := b.maxTokensPerTool
	if b.remainingTokens < limit {
		limit = b.remainingTokens
	}
	used := prompt.EstimateTokens(output)
	if used <= limit {
		b.remainingTokens -= used
		return output
	}
	truncated := prompt.TruncateToTokens(output, limit)
	b.remainingTokens -= prompt.EstimateTokens(truncated)
	b.truncations = append(b.truncations, TruncationRecord{
		ToolName:   toolName,
		TokensUsed: used,
		Truncated:  true,
	})
	return truncated + "\n[output truncated]"
}

// Truncations returns the records accumulated this turn.
func (b *Budget) Truncations() []TruncationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TruncationRecord, len(b.truncations))
	copy(out, b.truncations)
	return out
}

// SchemaError is a validation failure surfaced to the model as text so it
// can correct its input.
type SchemaError struct {
	Tool   string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("input for tool %s does not match its schema: %s", e.Tool, e.Detail)
}

// Executor validates, times out, and budgets tool calls.
type Executor struct {
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		logger:   logger.With("component", "tool_executor"),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Run executes one tool call end to end:
//  1. validate input against the tool's schema (failures go back to the
//     model as a SchemaError, not up the stack),
//  2. derive a cancellation from the parent context plus the tool's timeout,
//  3. execute,
//  4. clamp the output against the turn budget.
func (e *Executor) Run(ctx context.Context, tc ToolContext, budget *Budget, name string, input json.RawMessage) (string, error) {
	def, ok := e.registry.Get(name)
	if !ok {
		return "", &SchemaError{Tool: name, Detail: "unknown tool"}
	}

	if err := e.validate(def, input); err != nil {
		return "", err
	}

	runCtx := ctx
	if def.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	output, err := def.Execute(runCtx, tc, input)
	elapsed := time.Since(started)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("tool %s timed out after %dms", name, def.TimeoutMs)
		}
		e.logger.Warn("tool failed", "tool", name, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return "", err
	}
	e.logger.Debug("tool finished", "tool", name, "elapsed_ms", elapsed.Milliseconds())

	if budget != nil {
		output = budget.clamp(name, output)
	}
	return output, nil
}

func (e *Executor) validate(def ToolDef, input json.RawMessage) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	schema, err := e.schemaFor(def)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", def.Name, err)
	}
	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return &SchemaError{Tool: def.Name, Detail: "input is not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(payload); err != nil {
		return &SchemaError{Tool: def.Name, Detail: err.Error()}
	}
	return nil
}

// schemaFor compiles and caches the tool's input schema.
func (e *Executor) schemaFor(def ToolDef) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.compiled[def.Name]; ok {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(def.Name+".json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(def.Name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	e.compiled[def.Name] = schema
	return schema, nil
}
