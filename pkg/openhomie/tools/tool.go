// Package tools implements the tool subsystem: definitions, the per-turn
// registry with tier and effect gating, the execution wrapper, and the
// built-in tools.
package tools

import (
	"context"
	"encoding/json"
)

// Tier classifies how much a tool is trusted.
type Tier string

const (
	TierSafe       Tier = "safe"
	TierRestricted Tier = "restricted"
	TierDangerous  Tier = "dangerous"
)

// Effect names a side-effect class a tool can have.
type Effect string

const (
	EffectNetwork    Effect = "network"
	EffectFilesystem Effect = "filesystem"
	EffectSubprocess Effect = "subprocess"
)

// ToolContext is the ephemeral per-turn state handed to executing tools.
// Tools must not retain references after execute returns.
type ToolContext struct {
	ChatID     string
	TurnID     string
	AuthorID   string
	IsGroup    bool
	IsOperator bool
}

// ExecuteFunc runs a tool with validated input.
type ExecuteFunc func(ctx context.Context, tc ToolContext, input json.RawMessage) (string, error)

// ToolDef declares a tool offered to the model.
type ToolDef struct {
	Name        string
	Tier        Tier
	Effects     []Effect
	Description string
	Guidance    string // extra prompt guidance, appended to the description
	InputSchema json.RawMessage
	TimeoutMs   int // 0 = no per-tool timeout
	Execute     ExecuteFunc
}

// HasEffect reports whether the tool declares the given effect.
func (d ToolDef) HasEffect(e Effect) bool {
	for _, have := range d.Effects {
		if have == e {
			return true
		}
	}
	return false
}
