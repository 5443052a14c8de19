package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
)

const behaviorDecisionPrompt = `You decide how a casual friend-bot delivers its drafted reply in a chat.
Given the draft, answer with ONLY a JSON object:
{"action":"send"|"react"|"silence","emoji":"...","reason":"..."}

- "send": the draft is worth saying as-is.
- "react": the draft adds nothing a single emoji would not; pick a fitting emoji.
- "silence": the chat does not need a reply at all (low-signal group chatter, the draft restates someone, or it would interrupt).

In group chats lean toward react or silence. In DMs lean toward send.`

// behaviorDecision is the fast model's verdict on a drafted reply.
type behaviorDecision struct {
	Action string `json:"action"`
	Emoji  string `json:"emoji,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BehaviorEngine turns a drafted reply into the final outgoing action using a
// fast classifier model.
type BehaviorEngine struct {
	backend   backend.Completer
	fastModel string
	logger    *slog.Logger
}

// NewBehaviorEngine wires the classifier. fastModel may be empty to use the
// backend default.
func NewBehaviorEngine(b backend.Completer, fastModel string, logger *slog.Logger) *BehaviorEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &BehaviorEngine{backend: b, fastModel: fastModel, logger: logger}
}

// Decide picks the final action for a drafted reply. A classifier failure or
// unparseable answer falls back to sending the draft: a missing decision must
// never eat a good reply.
func (be *BehaviorEngine) Decide(ctx context.Context, draft string, msg IncomingMessage) OutgoingAction {
	if be.backend == nil {
		return SendText(draft)
	}
	user := draft
	if msg.IsGroup {
		user = "group chat draft:\n" + draft
	}
	res, err := be.backend.Complete(ctx, backend.CompleteParams{
		System:   behaviorDecisionPrompt,
		Messages: []backend.Message{{Role: "user", Content: user}},
		Model:    be.fastModel,
		MaxSteps: 1,
	})
	if err != nil {
		be.logger.Warn("behavior decision failed, sending draft", "chat_id", msg.ChatID, "error", err)
		return SendText(draft)
	}

	var d behaviorDecision
	if err := prompt.ExtractJSONObject(res.Text, &d); err != nil {
		be.logger.Debug("behavior decision unparseable, sending draft", "chat_id", msg.ChatID)
		return SendText(draft)
	}

	switch strings.ToLower(strings.TrimSpace(d.Action)) {
	case "react":
		emoji := d.Emoji
		if emoji == "" {
			return SendText(draft)
		}
		return React(emoji, msg.AuthorID, msg.TimestampMs)
	case "silence":
		reason := d.Reason
		if reason == "" {
			reason = ReasonModelSilence
		}
		return Silence(reason)
	default:
		return SendText(draft)
	}
}
