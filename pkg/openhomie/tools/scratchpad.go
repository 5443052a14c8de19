package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

var scratchpadSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"key": {"type": "string", "description": "Short label for the note, e.g. 'plans' or 'gift-ideas'"},
		"content": {"type": "string", "description": "The note content. Overwrites any existing note with the same key."}
	},
	"required": ["key", "content"],
	"additionalProperties": false
}`)

// NewScratchpadTool writes per-chat notes that the context builder surfaces
// back into future turns.
func NewScratchpadTool(sessions *store.SessionStore) ToolDef {
	return ToolDef{
		Name:        "scratchpad",
		Tier:        TierSafe,
		Description: "Jot down or update a note about this chat (plans, reminders, running jokes). Notes persist across conversations.",
		InputSchema: scratchpadSchema,
		TimeoutMs:   5000,
		Execute: func(ctx context.Context, tc ToolContext, input json.RawMessage) (string, error) {
			var in struct {
				Key     string `json:"key"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return "", err
			}
			if err := sessions.UpsertNote(ctx, tc.ChatID, in.Key, in.Content); err != nil {
				return "", fmt.Errorf("save note: %w", err)
			}
			return "noted", nil
		},
	}
}
