// Package engine implements the turn engine: the pipeline that takes an
// incoming chat message through context building, generation, slop control,
// and the behavior decision, and produces the single outgoing action.
package engine

// Attachment is a media item on an incoming message.
type Attachment struct {
	Kind string `json:"kind"` // "image", "audio", "file"
	Path string `json:"path"`
}

// IncomingMessage is one message delivered by a transport.
type IncomingMessage struct {
	Channel     string       `json:"channel"`
	ChatID      string       `json:"chatId"`
	MessageID   string       `json:"messageId"`
	AuthorID    string       `json:"authorId"`
	AuthorName  string       `json:"authorName,omitempty"`
	Text        string       `json:"text"`
	IsGroup     bool         `json:"isGroup"`
	IsOperator  bool         `json:"isOperator"`
	IsProactive bool         `json:"isProactive,omitempty"`
	Mentioned   bool         `json:"mentioned,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	TimestampMs int64        `json:"timestampMs"`
}

// ActionKind discriminates OutgoingAction variants.
type ActionKind string

const (
	ActionSendText ActionKind = "send_text"
	ActionReact    ActionKind = "react"
	ActionSilence  ActionKind = "silence"
)

// Silence reasons.
const (
	ReasonEmpty               = "empty"
	ReasonSleepMode           = "sleep_mode"
	ReasonInterrupted         = "interrupted"
	ReasonContextOverflow     = "context_overflow"
	ReasonTurnError           = "turn_error"
	ReasonSlop                = "slop"
	ReasonStale               = "stale"
	ReasonModelSilence        = "model_silence"
	ReasonVelocitySkip        = "velocity_skip"
	ReasonProactiveUnroutable = "proactive_unroutable"
	ReasonRelationshipTooNew  = "proactive_relationship_too_new"
	ReasonWarmingThrottle     = "proactive_warming_throttle"
	ReasonProactiveDisabled   = "proactive_disabled"
	ReasonProactiveDailyCap   = "proactive_daily_cap"
	ReasonProactiveTooSoon    = "proactive_too_soon"
	ReasonAccumulating        = "accumulating"
)

// OutgoingAction is the single result of a turn.
type OutgoingAction struct {
	Kind ActionKind `json:"kind"`

	// send_text
	Text string `json:"text,omitempty"`

	// react
	Emoji             string `json:"emoji,omitempty"`
	TargetAuthorID    string `json:"targetAuthorId,omitempty"`
	TargetTimestampMs int64  `json:"targetTimestampMs,omitempty"`

	// silence
	Reason string `json:"reason,omitempty"`
}

// SendText builds a send_text action.
func SendText(text string) OutgoingAction {
	return OutgoingAction{Kind: ActionSendText, Text: text}
}

// React builds a react action targeting a specific inbound message.
func React(emoji, targetAuthorID string, targetTimestampMs int64) OutgoingAction {
	return OutgoingAction{
		Kind:              ActionReact,
		Emoji:             emoji,
		TargetAuthorID:    targetAuthorID,
		TargetTimestampMs: targetTimestampMs,
	}
}

// Silence builds a silence action with a reason.
func Silence(reason string) OutgoingAction {
	return OutgoingAction{Kind: ActionSilence, Reason: reason}
}
