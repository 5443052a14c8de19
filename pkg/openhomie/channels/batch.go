package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/engine"
)

// Batcher sits between a transport and the engine. It feeds every incoming
// message through the accumulator so a rapid burst becomes one merged turn
// instead of one turn per fragment. Instant-flush messages are answered
// synchronously; debounced batches are answered later through the deliver
// callback when the window closes.
type Batcher struct {
	acc     *engine.Accumulator
	handle  Handler
	deliver func(chatID string, action engine.OutgoingAction)
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewBatcher builds a batcher in front of handle. deliver renders actions
// produced by deferred flushes; nil drops them.
func NewBatcher(cfg config.AccumulatorConfig, handle Handler, deliver func(chatID string, action engine.OutgoingAction), logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if deliver == nil {
		deliver = func(string, engine.OutgoingAction) {}
	}
	return &Batcher{
		acc:     engine.NewAccumulator(cfg),
		handle:  handle,
		deliver: deliver,
		logger:  logger.With("component", "batcher"),
		timers:  make(map[string]*time.Timer),
	}
}

// Submit offers a message to the chat's batch. A flush-now decision drains
// the batch and runs the turn inline; otherwise the message waits for the
// debounce window and Submit reports accumulating silence.
func (b *Batcher) Submit(ctx context.Context, msg engine.IncomingMessage) (engine.OutgoingAction, error) {
	d := b.acc.Offer(msg)
	if d.FlushNow {
		b.cancelTimer(msg.ChatID)
		return b.flush(ctx, msg.ChatID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[msg.ChatID]; ok {
		t.Stop()
	}
	chatID := msg.ChatID
	b.timers[chatID] = time.AfterFunc(time.Duration(d.DebounceMs)*time.Millisecond, func() {
		b.cancelTimer(chatID)
		action, err := b.flush(ctx, chatID)
		if err != nil {
			b.logger.Debug("deferred turn ended with error", "chat_id", chatID, "error", err)
		}
		b.deliver(chatID, action)
	})
	return engine.Silence(engine.ReasonAccumulating), nil
}

// flush drains the chat's batch and runs one turn over the merged message.
// The batch can be empty when an instant flush raced the timer.
func (b *Batcher) flush(ctx context.Context, chatID string) (engine.OutgoingAction, error) {
	batch := b.acc.Drain(chatID)
	if len(batch) == 0 {
		return engine.Silence(engine.ReasonAccumulating), nil
	}
	return b.handle(ctx, engine.MergeBatch(batch))
}

func (b *Batcher) cancelTimer(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[chatID]; ok {
		t.Stop()
		delete(b.timers, chatID)
	}
}

// Stop cancels every pending flush timer. Batches already accumulated stay
// in place; a later Submit still drains them.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}
