package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/keyed"
	"github.com/jholhewres/openhomie/pkg/openhomie/store"
	"github.com/jholhewres/openhomie/pkg/openhomie/tools"
)

const (
	regenDirective = "Rewrite your reply to remove AI slop: no forced enthusiasm, no restating, no assistant phrasing, no lists. Same content, friend voice."

	relationshipBumpPerMessage = 0.005

	maxToolTokensPerCall = 2000
	maxToolTokensPerTurn = 6000

	summarizePrompt = "Summarize this conversation transcript in a few short sentences. Keep names, decisions, and open threads. Plain prose."
)

// Deps are the collaborators a TurnEngine needs. Memory, groups, feedback,
// and telemetry may be nil; the engine degrades rather than fails.
type Deps struct {
	Config    *config.Config
	Backend   backend.Completer
	Builder   *ContextBuilder
	Behavior  *BehaviorEngine
	Extractor *Extractor
	Sessions  *store.SessionStore
	Memory    *store.MemoryStore
	Groups    *store.GroupStore
	Feedback  *store.FeedbackStore
	Telemetry *store.TelemetryStore
	Executor  *tools.Executor
	Logger    *slog.Logger
}

// TurnEngine runs the per-chat pipeline from incoming message to outgoing
// action. Turns for the same chat are fully serialized; distinct chats run in
// parallel.
type TurnEngine struct {
	deps    Deps
	locks   *keyed.PerKeyLock
	global  *keyed.TokenBucket
	perChat *keyed.PerKeyRateLimiter
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	seq        map[string]uint64 // bumped on every accepted input per chat
	outSeq     map[string]uint64 // outgoing message counter per chat
	lastTurnMs int64
}

// New builds a TurnEngine from its dependencies.
func New(deps Deps) *TurnEngine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	return &TurnEngine{
		deps:   deps,
		locks:  keyed.NewPerKeyLock(),
		global: keyed.NewTokenBucket(keyed.BucketConfig{Capacity: cfg.Engine.Limiter.Capacity, RefillPerSecond: cfg.Engine.Limiter.RefillPerSecond}),
		perChat: keyed.NewPerKeyRateLimiter(keyed.LimiterConfig{
			Capacity:        cfg.Engine.PerChatLimiter.Capacity,
			RefillPerSecond: cfg.Engine.PerChatLimiter.RefillPerSecond,
			StaleAfterMs:    cfg.Engine.PerChatLimiter.StaleAfterMs,
			SweepInterval:   cfg.Engine.PerChatLimiter.SweepInterval,
		}),
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
		seq:    make(map[string]uint64),
		outSeq: make(map[string]uint64),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LastSuccessfulTurnMs reports when the engine last completed a turn that
// produced an action, for the health endpoint.
func (e *TurnEngine) LastSuccessfulTurnMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTurnMs
}

func (e *TurnEngine) bumpSeq(chatID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq[chatID]++
	return e.seq[chatID]
}

func (e *TurnEngine) currentSeq(chatID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq[chatID]
}

func (e *TurnEngine) nextOutgoingID(channel, chatID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outSeq[chatID]++
	return fmt.Sprintf("%s:%d", channel, e.outSeq[chatID])
}

func (e *TurnEngine) markTurnDone() {
	e.mu.Lock()
	e.lastTurnMs = e.now().UnixMilli()
	e.mu.Unlock()
}

// HandleIncomingMessage runs one turn. It returns exactly one action; backend
// and store failures are logged and mapped to silence, never surfaced as chat
// text. Cancellation returns silence with the context error.
func (e *TurnEngine) HandleIncomingMessage(ctx context.Context, msg IncomingMessage, observer backend.StreamObserver) (OutgoingAction, error) {
	if strings.TrimSpace(msg.Text) == "" && !msg.IsProactive {
		return Silence(ReasonEmpty), nil
	}
	mySeq := e.bumpSeq(msg.ChatID)

	var action OutgoingAction
	err := e.locks.RunExclusive(ctx, msg.ChatID, func(ctx context.Context) error {
		var err error
		action, err = e.runTurn(ctx, msg, observer, mySeq)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Silence(ReasonInterrupted), err
		}
		return Silence(ReasonTurnError), err
	}
	return action, nil
}

func (e *TurnEngine) runTurn(ctx context.Context, msg IncomingMessage, observer backend.StreamObserver, mySeq uint64) (OutgoingAction, error) {
	turnID := uuid.NewString()
	logger := e.logger.With("turn_id", turnID, "chat_id", msg.ChatID, "message_id", msg.MessageID)
	cfg := e.deps.Config

	if InSleepWindow(cfg.Behavior.Sleep, e.now()) && !msg.IsOperator {
		return Silence(ReasonSleepMode), nil
	}

	person := e.trackPerson(ctx, msg, logger)

	if !msg.IsProactive {
		if err := e.deps.Sessions.AppendMessage(ctx, store.SessionMessage{
			ChatID:      msg.ChatID,
			Role:        "user",
			Content:     msg.Text,
			AuthorID:    msg.AuthorID,
			CreatedAtMs: e.now().UnixMilli(),
		}); err != nil {
			logger.Error("session append failed", "error", err)
			return Silence(ReasonTurnError), nil
		}
	}
	if err := e.compact(ctx, msg.ChatID, false); err != nil {
		logger.Warn("compaction failed", "error", err)
	}

	// In a fast-moving group the bot stays out of the way unless addressed.
	if msg.IsGroup && !msg.IsProactive {
		recent, err := e.deps.Sessions.GetMessages(ctx, msg.ChatID, 10)
		if err == nil {
			v := MeasureVelocity(recent)
			switch DecideGroupPace(v, msg.Mentioned) {
			case PaceSkip:
				logger.Info("skipping turn, rapid dialogue in progress")
				return Silence(ReasonVelocitySkip), nil
			case PaceWait:
				// Let the burst settle before building context so the reply
				// covers the whole fragment run.
				wait := time.Duration(e.deps.Config.Behavior.DebounceMs) * time.Millisecond
				if wait > 0 {
					if err := e.sleep(ctx, wait); err != nil {
						return Silence(ReasonInterrupted), nil
					}
				}
			}
		}
	}

	tctx, err := e.deps.Builder.Build(ctx, msg, person)
	if err != nil {
		logger.Error("context build failed", "error", err)
		return Silence(ReasonTurnError), nil
	}

	if err := e.global.Take(ctx, 1); err != nil {
		return Silence(ReasonInterrupted), err
	}
	if err := e.perChat.Take(ctx, msg.ChatID, 1); err != nil {
		return Silence(ReasonInterrupted), err
	}

	draft, act := e.generate(ctx, msg, tctx, observer, turnID, logger)
	if act != nil {
		if act.Reason == ReasonInterrupted {
			return *act, ctx.Err()
		}
		return *act, nil
	}

	// Another message for this chat arrived while we were generating; its
	// turn is queued behind us and will answer with fresher context.
	if e.currentSeq(msg.ChatID) != mySeq {
		logger.Info("turn superseded, discarding draft")
		return Silence(ReasonStale), nil
	}

	decision := e.deps.Behavior.Decide(ctx, draft, msg)
	switch decision.Kind {
	case ActionSendText:
		if err := e.humanDelay(ctx, len(decision.Text)); err != nil {
			return Silence(ReasonInterrupted), err
		}
		e.commitSend(ctx, msg, decision.Text, person, logger)
		e.markTurnDone()
		return decision, nil
	case ActionReact:
		e.markTurnDone()
		return decision, nil
	default:
		return decision, nil
	}
}

// generate runs the bounded regeneration loop. It returns either a clean
// draft, or a terminal action.
func (e *TurnEngine) generate(ctx context.Context, msg IncomingMessage, tctx TurnContext, observer backend.StreamObserver, turnID string, logger *slog.Logger) (string, *OutgoingAction) {
	cfg := e.deps.Config
	maxSteps := cfg.Engine.Generation.ReactiveMaxSteps
	if msg.IsProactive {
		maxSteps = cfg.Engine.Generation.ProactiveMaxSteps
	}

	messages := append([]backend.Message{}, tctx.DataMessages...)
	messages = append(messages, tctx.History...)
	if msg.IsProactive {
		messages = append(messages, backend.Message{Role: "user", Content: "Send the proactive message now."})
	}

	var runner backend.ToolRunner
	if e.deps.Executor != nil && len(tctx.Tools) > 0 {
		runner = &turnRunner{
			exec: e.deps.Executor,
			tc: tools.ToolContext{
				ChatID:     msg.ChatID,
				TurnID:     turnID,
				AuthorID:   msg.AuthorID,
				IsGroup:    msg.IsGroup,
				IsOperator: msg.IsOperator,
			},
			budget: tools.NewBudget(maxToolTokensPerCall, maxToolTokensPerTurn),
		}
	}

	system := tctx.System
	compacted := false
	attempts := cfg.Engine.Generation.MaxRegens + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		res, err := e.deps.Backend.Complete(ctx, backend.CompleteParams{
			System:   system,
			Messages: messages,
			Tools:    tctx.Tools,
			Runner:   runner,
			MaxSteps: maxSteps,
			Observer: observer,
		})
		if err != nil {
			switch backend.KindOf(err) {
			case backend.KindCancelled:
				act := Silence(ReasonInterrupted)
				return "", &act
			case backend.KindContextOverflow:
				if !compacted {
					compacted = true
					logger.Warn("context overflow, forcing compaction", "error", err)
					if cerr := e.compact(ctx, msg.ChatID, true); cerr != nil {
						logger.Error("forced compaction failed", "error", cerr)
					}
					attempt--
					continue
				}
				act := Silence(ReasonContextOverflow)
				return "", &act
			default:
				logger.Error("backend failed", "error", err, "err_name", string(backend.KindOf(err)))
				act := Silence(ReasonTurnError)
				return "", &act
			}
		}
		e.recordUsage(ctx, turnID, msg.ChatID, res)

		text := strings.TrimSpace(res.Text)
		if text == "" || text == "HEARTBEAT_OK" {
			act := Silence(ReasonModelSilence)
			return "", &act
		}
		text = clampChars(text, tctx.MaxChars)

		report := CheckSlop(text)
		if !report.IsSlop {
			return text, nil
		}
		var cats []string
		for _, v := range report.Violations {
			cats = append(cats, v.Category)
		}
		logger.Info("slop detected", "attempt", attempt+1, "categories", strings.Join(cats, ","))
		if attempt == 0 {
			system = system + "\n\n" + regenDirective
		}
	}

	// Out of attempts: silence beats slop.
	act := Silence(ReasonSlop)
	return "", &act
}

// commitSend persists the assistant message, registers feedback, and kicks
// off fact extraction. Store failures must not block the send.
func (e *TurnEngine) commitSend(ctx context.Context, msg IncomingMessage, text string, person store.Person, logger *slog.Logger) {
	nowMs := e.now().UnixMilli()
	if err := e.deps.Sessions.AppendMessage(ctx, store.SessionMessage{
		ChatID:      msg.ChatID,
		Role:        "assistant",
		Content:     text,
		CreatedAtMs: nowMs,
	}); err != nil {
		logger.Error("assistant append failed", "error", err)
	}

	if e.deps.Feedback != nil {
		outgoingID := e.nextOutgoingID(msg.Channel, msg.ChatID)
		if err := e.deps.Feedback.RegisterOutgoing(ctx, store.Outgoing{
			RefKey:           store.MakeRefKey(msg.Channel, msg.ChatID, outgoingID),
			Channel:          msg.Channel,
			ChatID:           msg.ChatID,
			MessageID:        outgoingID,
			Text:             text,
			SentAtMs:         nowMs,
			IsGroup:          msg.IsGroup,
			EndsWithQuestion: backend.EndsWithQuestion(text),
		}); err != nil {
			logger.Warn("feedback registration failed", "error", err)
		}
	}

	if e.deps.Memory != nil && e.deps.Config.Memory.Enabled {
		summary := episodeSummary(msg, text, e.deps.Builder.pack.Name())
		if err := e.deps.Memory.AddEpisode(ctx, msg.ChatID, summary); err != nil {
			logger.Warn("episode record failed", "error", err)
		}
	}

	if !msg.IsProactive && e.deps.Extractor != nil {
		e.deps.Extractor.ExtractAsync(msg, person, nil)
	}
}

// episodeSummary condenses one exchange into a single episodic memory line.
// Proactive turns have no inbound text, so only the bot side appears.
func episodeSummary(msg IncomingMessage, reply, botName string) string {
	const side = 140
	var b strings.Builder
	if t := strings.TrimSpace(msg.Text); t != "" {
		who := msg.AuthorName
		if who == "" {
			who = msg.AuthorID
		}
		fmt.Fprintf(&b, "%s: %s ", who, truncateRunes(t, side))
	}
	fmt.Fprintf(&b, "%s: %s", botName, truncateRunes(strings.TrimSpace(reply), side))
	return b.String()
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func (e *TurnEngine) trackPerson(ctx context.Context, msg IncomingMessage, logger *slog.Logger) store.Person {
	if e.deps.Groups != nil && msg.IsGroup && msg.AuthorID != "" {
		if err := e.deps.Groups.RecordAuthor(ctx, msg.ChatID, msg.AuthorID); err != nil {
			logger.Warn("group author record failed", "error", err)
		}
	}
	if e.deps.Memory == nil || !e.deps.Config.Memory.Enabled || msg.AuthorID == "" {
		return store.Person{}
	}
	person, err := e.deps.Memory.UpsertPerson(ctx, msg.Channel, msg.AuthorID, msg.AuthorName)
	if err != nil {
		logger.Warn("person upsert failed", "error", err)
		return store.Person{}
	}
	if !msg.IsProactive {
		if err := e.deps.Memory.BumpRelationship(ctx, person.ID, relationshipBumpPerMessage); err != nil {
			logger.Warn("relationship bump failed", "error", err)
		}
	}
	return person
}

func (e *TurnEngine) compact(ctx context.Context, chatID string, force bool) error {
	reminder := fmt.Sprintf("You are %s. Stay in character.", e.deps.Builder.pack.Name())
	_, err := e.deps.Sessions.CompactIfNeeded(ctx, store.CompactParams{
		ChatID:          chatID,
		MaxTokens:       e.deps.Config.Engine.Context.MaxTokensDefault,
		PersonaReminder: reminder,
		Force:           force,
		Summarize: func(ctx context.Context, transcript string) (string, error) {
			res, err := e.deps.Backend.Complete(ctx, backend.CompleteParams{
				System:   summarizePrompt,
				Messages: []backend.Message{{Role: "user", Content: transcript}},
				Model:    e.deps.Config.Model.Models.Fast,
				MaxSteps: 1,
			})
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(res.Text), nil
		},
	})
	return err
}

func (e *TurnEngine) recordUsage(ctx context.Context, turnID, chatID string, res backend.Result) {
	if e.deps.Telemetry == nil {
		return
	}
	u := res.Usage
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0 {
		return
	}
	err := e.deps.Telemetry.RecordUsage(ctx, store.UsageRow{
		TurnID:       turnID,
		ChatID:       chatID,
		Model:        res.ModelID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      u.CostUSD,
		TxHash:       u.TxHash,
		CreatedAtMs:  e.now().UnixMilli(),
	})
	if err != nil {
		e.logger.Warn("usage record failed", "turn_id", turnID, "error", err)
	}
}

// humanDelay paces the send so replies do not land instantly. Longer drafts
// wait longer, bounded by config.
func (e *TurnEngine) humanDelay(ctx context.Context, textLen int) error {
	cfg := e.deps.Config.Behavior
	if cfg.MaxDelayMs <= 0 {
		return nil
	}
	span := cfg.MaxDelayMs - cfg.MinDelayMs
	d := cfg.MinDelayMs
	if span > 0 {
		scale := float64(textLen) / 400.0
		if scale > 1 {
			scale = 1
		}
		d += int(float64(span)*scale*0.7) + rand.Intn(span/3+1)
		if d > cfg.MaxDelayMs {
			d = cfg.MaxDelayMs
		}
	}
	return e.sleep(ctx, time.Duration(d)*time.Millisecond)
}

// clampChars cuts text to the channel limit, trimming a trailing partial
// word and whitespace after the cut.
func clampChars(text string, maxChars int) string {
	if maxChars <= 0 || len([]rune(text)) <= maxChars {
		return text
	}
	runes := []rune(text)[:maxChars]
	s := strings.TrimRight(string(runes), " \t\n")
	if i := strings.LastIndexAny(s, " \n"); i > maxChars/2 {
		s = strings.TrimRight(s[:i], " \t\n")
	}
	return s
}

type turnRunner struct {
	exec   *tools.Executor
	tc     tools.ToolContext
	budget *tools.Budget
}

func (r *turnRunner) RunTool(ctx context.Context, call backend.ToolCall) (string, error) {
	return r.exec.Run(ctx, r.tc, r.budget, call.Name, call.Arguments)
}
