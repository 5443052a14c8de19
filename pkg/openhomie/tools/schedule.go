package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/schedule"
)

var scheduleSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["check_in", "reminder", "birthday"], "description": "What kind of outreach this is"},
		"at": {"type": "string", "description": "When to reach out, RFC3339, e.g. 2026-09-01T10:00:00Z"},
		"cron": {"type": "string", "description": "Recurring schedule as standard cron, e.g. '0 9 * * 1'. Use either at or cron."},
		"note": {"type": "string", "description": "What to bring up when the time comes"}
	},
	"required": ["kind"],
	"additionalProperties": false
}`)

// NewScheduleCheckinTool plans a future proactive message in the current chat.
func NewScheduleCheckinTool(scheduler *schedule.EventScheduler) ToolDef {
	return ToolDef{
		Name:        "schedule_checkin",
		Tier:        TierSafe,
		Description: "Schedule a future check-in, reminder, or birthday message in this chat. Give either a one-off time or a recurring cron schedule.",
		InputSchema: scheduleSchema,
		TimeoutMs:   5000,
		Execute: func(ctx context.Context, tc ToolContext, input json.RawMessage) (string, error) {
			var in struct {
				Kind string `json:"kind"`
				At   string `json:"at"`
				Cron string `json:"cron"`
				Note string `json:"note"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return "", err
			}
			if in.At == "" && in.Cron == "" {
				return "", fmt.Errorf("give either at or cron")
			}
			ev := schedule.ProactiveEvent{Kind: in.Kind, ChatID: tc.ChatID, Note: in.Note, CronExpr: in.Cron}
			if in.At != "" {
				t, err := time.Parse(time.RFC3339, in.At)
				if err != nil {
					return "", fmt.Errorf("bad time %q: %w", in.At, err)
				}
				ev.DueAtMs = t.UnixMilli()
			}
			id, err := scheduler.Schedule(ctx, ev)
			if err != nil {
				return "", fmt.Errorf("schedule: %w", err)
			}
			return fmt.Sprintf("scheduled (event %d)", id), nil
		},
	}
}
