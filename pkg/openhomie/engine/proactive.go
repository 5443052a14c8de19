package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

// Proactive event kinds that bypass relationship gating.
const (
	ProactiveKindReminder = "reminder"
	ProactiveKindBirthday = "birthday"
	ProactiveKindCheckIn  = "check_in"
)

// ProactiveRequest asks the dispatcher to initiate contact in a chat.
type ProactiveRequest struct {
	Kind   string
	ChatID string
}

type parsedChat struct {
	channel    string
	authorID   string
	isGroup    bool
	isOperator bool
}

// parseChatID understands the chat id forms the transports produce:
// "cli:local", "<channel>:dm:<id>", "<channel>:group:<id>".
func parseChatID(chatID string) (parsedChat, bool) {
	parts := strings.SplitN(chatID, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return parsedChat{}, false
	}
	if parts[0] == "cli" {
		return parsedChat{channel: "cli", authorID: "operator", isOperator: true}, true
	}
	if len(parts) != 3 || parts[2] == "" {
		return parsedChat{}, false
	}
	switch parts[1] {
	case "dm":
		return parsedChat{channel: parts[0], authorID: parts[2]}, true
	case "group":
		return parsedChat{channel: parts[0], authorID: "group:" + parts[2], isGroup: true}, true
	}
	return parsedChat{}, false
}

// Dispatcher turns due proactive events into engine turns, applying
// relationship gating so the bot does not pester people it barely knows.
type Dispatcher struct {
	engine   *TurnEngine
	memory   *store.MemoryStore
	feedback *store.FeedbackStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher wires the proactive dispatcher.
func NewDispatcher(e *TurnEngine, memory *store.MemoryStore, feedback *store.FeedbackStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{engine: e, memory: memory, feedback: feedback, logger: logger, now: time.Now}
}

// Dispatch runs one proactive event through the gates and, when allowed, the
// turn pipeline. The result is always a single action; a send means the
// caller should deliver it and mark the event done.
func (d *Dispatcher) Dispatch(ctx context.Context, req ProactiveRequest) (OutgoingAction, error) {
	if !d.engine.deps.Config.Proactive.Enabled {
		return Silence(ReasonProactiveDisabled), nil
	}
	pc, ok := parseChatID(req.ChatID)
	if !ok {
		d.logger.Warn("proactive event has unroutable chat id", "chat_id", req.ChatID, "kind", req.Kind)
		return Silence(ReasonProactiveUnroutable), nil
	}

	if act, blocked := d.gate(ctx, req, pc); blocked {
		return act, nil
	}

	msg := IncomingMessage{
		Channel:     pc.channel,
		ChatID:      req.ChatID,
		AuthorID:    pc.authorID,
		IsGroup:     pc.isGroup,
		IsOperator:  pc.isOperator,
		IsProactive: true,
		TimestampMs: d.now().UnixMilli(),
	}
	return d.engine.HandleIncomingMessage(ctx, msg, nil)
}

// gate applies trust-tier rules and frequency caps. Reminders and birthdays
// always go through; anything else needs an established relationship and
// respects the per-chat outreach budget.
func (d *Dispatcher) gate(ctx context.Context, req ProactiveRequest, pc parsedChat) (OutgoingAction, bool) {
	if req.Kind == ProactiveKindReminder || req.Kind == ProactiveKindBirthday {
		return OutgoingAction{}, false
	}
	caps := d.engine.deps.Config.Proactive.DM
	if pc.isGroup {
		caps = d.engine.deps.Config.Proactive.Group
	}

	if act, blocked := d.relationshipGate(ctx, req, pc, caps); blocked {
		return act, true
	}
	return d.frequencyGate(ctx, req, caps)
}

// relationshipGate blocks check-ins to people the bot barely knows.
func (d *Dispatcher) relationshipGate(ctx context.Context, req ProactiveRequest, pc parsedChat, caps config.ProactiveCapsConfig) (OutgoingAction, bool) {
	if pc.isOperator || pc.isGroup || d.memory == nil {
		return OutgoingAction{}, false
	}

	person, err := d.memory.GetPerson(ctx, pc.channel, pc.authorID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			d.logger.Warn("proactive person lookup failed", "chat_id", req.ChatID, "error", err)
		}
		return Silence(ReasonRelationshipTooNew), true
	}
	if person.RelationshipScore < caps.MinRelationship && person.TrustTierOverride == "" {
		return Silence(ReasonRelationshipTooNew), true
	}

	switch person.TrustTier() {
	case store.TierNewContact:
		return Silence(ReasonRelationshipTooNew), true
	case store.TierGettingToKnow:
		if d.feedback == nil {
			return OutgoingAction{}, false
		}
		since := d.now().Add(-24 * time.Hour).UnixMilli()
		n, err := d.feedback.CountOutgoingSince(ctx, req.ChatID, since)
		if err != nil {
			d.logger.Warn("proactive send count failed", "chat_id", req.ChatID, "error", err)
			return OutgoingAction{}, false
		}
		if n >= 1 {
			return Silence(ReasonWarmingThrottle), true
		}
		if caps.WarmingMaxPerWeek > 0 {
			weekAgo := d.now().Add(-7 * 24 * time.Hour).UnixMilli()
			n, err := d.feedback.CountOutgoingSince(ctx, req.ChatID, weekAgo)
			if err == nil && n >= caps.WarmingMaxPerWeek {
				return Silence(ReasonWarmingThrottle), true
			}
		}
	}
	return OutgoingAction{}, false
}

// frequencyGate enforces the per-chat outreach budget: the daily cap and the
// minimum gap between bot-initiated messages.
func (d *Dispatcher) frequencyGate(ctx context.Context, req ProactiveRequest, caps config.ProactiveCapsConfig) (OutgoingAction, bool) {
	if d.feedback == nil {
		return OutgoingAction{}, false
	}
	nowMs := d.now().UnixMilli()
	if caps.MaxPerDay > 0 {
		since := d.now().Add(-24 * time.Hour).UnixMilli()
		n, err := d.feedback.CountOutgoingSince(ctx, req.ChatID, since)
		if err != nil {
			d.logger.Warn("proactive send count failed", "chat_id", req.ChatID, "error", err)
		} else if n >= caps.MaxPerDay {
			return Silence(ReasonProactiveDailyCap), true
		}
	}
	if caps.MinGapMs > 0 {
		last, err := d.feedback.LastOutgoingMs(ctx, req.ChatID)
		if err != nil {
			d.logger.Warn("proactive last send lookup failed", "chat_id", req.ChatID, "error", err)
		} else if last > 0 && nowMs-last < caps.MinGapMs {
			return Silence(ReasonProactiveTooSoon), true
		}
	}
	return OutgoingAction{}, false
}
