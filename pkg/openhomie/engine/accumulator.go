package engine

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
)

// ZeroDebounceConfig disables batching: every message flushes immediately.
var ZeroDebounceConfig = config.AccumulatorConfig{}

// Decision tells the caller what to do with the message it just offered.
type Decision struct {
	// FlushNow means respond to this batch immediately.
	FlushNow bool
	// IncludePrior is set when an instant-flush message should carry the
	// batched messages before it as burst context.
	IncludePrior bool
	// DebounceMs is how long to wait for more messages before draining.
	// Zero means no wait.
	DebounceMs int
}

type chatBatch struct {
	messages []IncomingMessage
	startMs  int64
}

// Accumulator groups rapid messages per chat so one turn can answer a burst
// instead of answering each fragment. Safe for concurrent use.
type Accumulator struct {
	cfg    config.AccumulatorConfig
	mu     sync.Mutex
	byChat map[string]*chatBatch
	now    func() time.Time
}

// NewAccumulator builds an accumulator. A zero config flushes everything
// immediately.
func NewAccumulator(cfg config.AccumulatorConfig) *Accumulator {
	return &Accumulator{
		cfg:    cfg,
		byChat: make(map[string]*chatBatch),
		now:    time.Now,
	}
}

var continuationConnectives = []string{"and", "but", "or", "also", "like", "so"}

// hasContinuationSignal reports whether the text looks unfinished: the author
// is probably about to send another fragment.
func hasContinuationSignal(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "…") || strings.HasSuffix(t, "...") || strings.HasSuffix(t, ",") {
		return true
	}
	lower := strings.ToLower(t)
	for _, c := range continuationConnectives {
		if lower == c || strings.HasSuffix(lower, " "+c) {
			return true
		}
	}
	last, _ := utf8.DecodeLastRuneInString(t)
	if utf8.RuneCountInString(t) < 20 && !strings.ContainsRune(".!?", last) {
		return true
	}
	return false
}

// MergeBatch collapses a drained batch into the single message one turn
// answers: texts join in arrival order, attachments accumulate, and a mention
// anywhere in the batch marks the merged message as mentioned.
func MergeBatch(batch []IncomingMessage) IncomingMessage {
	if len(batch) == 0 {
		return IncomingMessage{}
	}
	merged := batch[len(batch)-1]
	if len(batch) == 1 {
		return merged
	}
	var texts []string
	var attachments []Attachment
	mentioned := false
	for _, m := range batch {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
		attachments = append(attachments, m.Attachments...)
		mentioned = mentioned || m.Mentioned
	}
	merged.Text = strings.Join(texts, "\n")
	merged.Attachments = attachments
	merged.Mentioned = mentioned
	return merged
}

// Offer adds a message to the chat's batch and returns the batching decision.
func (a *Accumulator) Offer(msg IncomingMessage) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	nowMs := a.now().UnixMilli()
	b := a.byChat[msg.ChatID]
	if b == nil {
		b = &chatBatch{startMs: nowMs}
		a.byChat[msg.ChatID] = b
	}

	// Commands are out-of-band: flush with only this message so prior
	// chatter does not leak into command handling.
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		b.messages = []IncomingMessage{msg}
		b.startMs = nowMs
		return Decision{FlushNow: true}
	}

	b.messages = append(b.messages, msg)

	if (msg.IsGroup && msg.Mentioned) || len(msg.Attachments) > 0 {
		return Decision{FlushNow: true, IncludePrior: true}
	}

	if a.cfg.MaxMessages > 0 && len(b.messages) >= a.cfg.MaxMessages {
		return Decision{FlushNow: true, IncludePrior: true}
	}
	elapsed := nowMs - b.startMs
	if a.cfg.MaxWaitMs > 0 && elapsed >= int64(a.cfg.MaxWaitMs) {
		return Decision{FlushNow: true, IncludePrior: true}
	}

	window := a.cfg.DMWindowMs
	if msg.IsGroup {
		window = a.cfg.GroupWindowMs
	}
	if window <= 0 {
		return Decision{FlushNow: true, IncludePrior: true}
	}
	if hasContinuationSignal(msg.Text) && a.cfg.ContinuationMultiplier > 0 {
		window = int(float64(window) * a.cfg.ContinuationMultiplier)
	}
	debounce := int64(window)
	if a.cfg.MaxWaitMs > 0 {
		if remain := int64(a.cfg.MaxWaitMs) - elapsed; remain < debounce {
			debounce = remain
		}
	}
	if debounce < 0 {
		debounce = 0
	}
	return Decision{DebounceMs: int(debounce)}
}

// Drain returns the accumulated batch for a chat and resets it.
func (a *Accumulator) Drain(chatID string) []IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.byChat[chatID]
	if b == nil {
		return nil
	}
	delete(a.byChat, chatID)
	return b.messages
}
