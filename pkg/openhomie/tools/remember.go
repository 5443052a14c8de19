package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

var rememberSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"fact": {"type": "string", "description": "One concrete fact about the person, stated plainly"},
		"evidence": {"type": "string", "description": "The exact phrase from their message that supports the fact"}
	},
	"required": ["fact"],
	"additionalProperties": false
}`)

// PersonResolver maps the current turn to a person row.
type PersonResolver func(ctx context.Context, tc ToolContext) (store.Person, error)

// NewRememberTool stores a fact about the person the bot is talking to.
// Facts learned in DMs are private and never surface in groups.
func NewRememberTool(memory *store.MemoryStore, resolve PersonResolver) ToolDef {
	return ToolDef{
		Name:        "remember",
		Tier:        TierSafe,
		Description: "Remember a fact about the person you're talking to (their job, likes, plans, people they mention).",
		InputSchema: rememberSchema,
		TimeoutMs:   5000,
		Execute: func(ctx context.Context, tc ToolContext, input json.RawMessage) (string, error) {
			var in struct {
				Fact     string `json:"fact"`
				Evidence string `json:"evidence"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return "", err
			}
			person, err := resolve(ctx, tc)
			if err != nil {
				return "", fmt.Errorf("resolve person: %w", err)
			}
			_, err = memory.AddFact(ctx, store.Fact{
				PersonID: person.ID,
				Text:     in.Fact,
				Evidence: in.Evidence,
				Private:  !tc.IsGroup,
			}, nil)
			if err != nil {
				return "", fmt.Errorf("store fact: %w", err)
			}
			return "remembered", nil
		},
	}
}
