package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/identity"
	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

type stubBackend struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, p backend.CompleteParams) (backend.Result, error)
}

func (s *stubBackend) Complete(ctx context.Context, p backend.CompleteParams) (backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return backend.Result{}, backend.NewTurnError(backend.KindCancelled, err)
	}
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fn(n, p)
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func replies(texts ...string) func(int, backend.CompleteParams) (backend.Result, error) {
	return func(call int, _ backend.CompleteParams) (backend.Result, error) {
		i := call - 1
		if i >= len(texts) {
			i = len(texts) - 1
		}
		return backend.Result{Text: texts[i], ModelID: "stub"}, nil
	}
}

type testRig struct {
	engine   *TurnEngine
	main     *stubBackend
	decider  *stubBackend
	sessions *store.SessionStore
	memory   *store.MemoryStore
	feedback *store.FeedbackStore
}

func newTestRig(t *testing.T, mutate func(cfg *config.Config)) *testRig {
	t.Helper()
	dataDir := t.TempDir()
	identityDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(identityDir, "SOUL.md"), []byte("You are a chill friend."), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Paths.DataDir = dataDir
	cfg.Paths.IdentityDir = identityDir
	cfg.Behavior.MinDelayMs = 0
	cfg.Behavior.MaxDelayMs = 0
	cfg.Memory.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	pack, err := identity.Load(identityDir)
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := store.NewSessionStore(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sessions.Close() })
	memory, err := store.NewMemoryStore(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { memory.Close() })
	feedback, err := store.NewFeedbackStore(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { feedback.Close() })
	groups, err := store.NewGroupStore(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { groups.Close() })

	main := &stubBackend{fn: replies("ok")}
	decider := &stubBackend{fn: replies(`{"action":"send"}`)}

	builder := NewContextBuilder(cfg, pack, sessions, memory, groups, nil, nil)
	eng := New(Deps{
		Config:   cfg,
		Backend:  main,
		Builder:  builder,
		Behavior: NewBehaviorEngine(decider, "", nil),
		Sessions: sessions,
		Memory:   memory,
		Groups:   groups,
		Feedback: feedback,
	})
	return &testRig{engine: eng, main: main, decider: decider, sessions: sessions, memory: memory, feedback: feedback}
}

func dmMessage(text string) IncomingMessage {
	return IncomingMessage{
		Channel:     "cli",
		ChatID:      "cli:local",
		MessageID:   "m1",
		AuthorID:    "operator",
		Text:        text,
		IsOperator:  true,
		TimestampMs: time.Now().UnixMilli(),
	}
}

func TestDMHappyPath(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	rig.main.fn = replies("yo whats up")

	act, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("hey"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSendText || act.Text != "yo whats up" {
		t.Fatalf("action = %+v", act)
	}

	msgs, _ := rig.sessions.GetMessages(ctx, "cli:local", 10)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[0].Content != "hey" ||
		msgs[1].Role != "assistant" || msgs[1].Content != "yo whats up" {
		t.Fatalf("session = %+v", msgs)
	}

	refKey := store.MakeRefKey("cli", "cli:local", "cli:1")
	o, err := rig.feedback.GetOutgoing(ctx, refKey)
	if err != nil {
		t.Fatalf("feedback row missing: %v", err)
	}
	if o.Text != "yo whats up" {
		t.Errorf("outgoing text = %q", o.Text)
	}
}

func TestGroupReaction(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	rig.decider.fn = replies(`{"action":"react","emoji":"💀"}`)

	msg := IncomingMessage{
		Channel:     "signal",
		ChatID:      "signal:group:1",
		MessageID:   "g1",
		AuthorID:    "alice",
		Text:        "@homie lol",
		IsGroup:     true,
		Mentioned:   true,
		TimestampMs: 123,
	}
	act, err := rig.engine.HandleIncomingMessage(ctx, msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := OutgoingAction{Kind: ActionReact, Emoji: "💀", TargetAuthorID: "alice", TargetTimestampMs: 123}
	if act != want {
		t.Fatalf("action = %+v", act)
	}

	msgs, _ := rig.sessions.GetMessages(ctx, "signal:group:1", 10)
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Fatal("react must not persist assistant text")
		}
	}
}

func TestSleepModeSilence(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Behavior.Sleep = config.SleepConfig{Enabled: true, Timezone: "UTC", StartLocal: "00:00", EndLocal: "23:59"}
	})
	msg := dmMessage("hello?")
	msg.IsOperator = false

	act, err := rig.engine.HandleIncomingMessage(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonSleepMode {
		t.Fatalf("action = %+v", act)
	}
	if rig.main.callCount() != 0 {
		t.Error("backend should not be called during sleep")
	}
}

func TestSlopRegeneration(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	sawDirective := false
	rig.main.fn = func(call int, p backend.CompleteParams) (backend.Result, error) {
		if call == 1 {
			return backend.Result{Text: "Great question! Let me help you with that."}, nil
		}
		if strings.Contains(p.System, "Rewrite your reply") {
			sawDirective = true
		}
		return backend.Result{Text: "idk, maybe tacos"}, nil
	}

	act, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("dinner ideas?"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSendText || act.Text != "idk, maybe tacos" {
		t.Fatalf("action = %+v", act)
	}
	if rig.main.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2", rig.main.callCount())
	}
	if !sawDirective {
		t.Error("regen attempt should carry the rewrite directive")
	}
}

func TestPersistentSlopPrefersSilence(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.main.fn = replies("As an AI, I would delve into that.")

	act, err := rig.engine.HandleIncomingMessage(context.Background(), dmMessage("so?"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonSlop {
		t.Fatalf("action = %+v", act)
	}
	if got := rig.main.callCount(); got != rig.engine.deps.Config.Engine.Generation.MaxRegens+1 {
		t.Errorf("backend calls = %d", got)
	}
}

func TestBackendFatalErrorStaysOutOfChat(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	rig.main.fn = func(int, backend.CompleteParams) (backend.Result, error) {
		return backend.Result{}, backend.NewTurnError(backend.KindFirstByteTimeout, errors.New("child produced no output"))
	}

	act, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("hm"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonTurnError {
		t.Fatalf("action = %+v", act)
	}
	msgs, _ := rig.sessions.GetMessages(ctx, "cli:local", 10)
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Fatal("failed turn must not persist assistant text")
		}
	}
}

func TestContextOverflowForcesCompactionOnce(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	// Seed enough history that forced compaction has something to fold.
	for i := 0; i < 15; i++ {
		rig.sessions.AppendMessage(ctx, store.SessionMessage{
			ChatID: "cli:local", Role: "user", Content: "earlier chatter", CreatedAtMs: time.Now().UnixMilli() + int64(i),
		})
	}
	overflows := 0
	rig.main.fn = func(_ int, p backend.CompleteParams) (backend.Result, error) {
		if strings.Contains(p.System, "Summarize this conversation") {
			return backend.Result{Text: "they talked"}, nil
		}
		if overflows == 0 {
			overflows++
			return backend.Result{}, backend.NewTurnError(backend.KindContextOverflow, errors.New("prompt is too long"))
		}
		return backend.Result{Text: "short now"}, nil
	}

	act, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("still there?"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSendText || act.Text != "short now" {
		t.Fatalf("action = %+v", act)
	}
}

func TestContextOverflowTwiceSilences(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.main.fn = func(_ int, p backend.CompleteParams) (backend.Result, error) {
		if strings.Contains(p.System, "Summarize this conversation") {
			return backend.Result{Text: "summary"}, nil
		}
		return backend.Result{}, backend.NewTurnError(backend.KindContextOverflow, errors.New("maximum context length"))
	}
	act, err := rig.engine.HandleIncomingMessage(context.Background(), dmMessage("hey"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonContextOverflow {
		t.Fatalf("action = %+v", act)
	}
}

func TestEmptyMessageSilence(t *testing.T) {
	rig := newTestRig(t, nil)
	act, err := rig.engine.HandleIncomingMessage(context.Background(), dmMessage("   "), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonEmpty {
		t.Fatalf("action = %+v", act)
	}
}

func TestCancellationReturnsInterrupted(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	rig.main.fn = func(int, backend.CompleteParams) (backend.Result, error) {
		cancel()
		return backend.Result{}, backend.NewTurnError(backend.KindCancelled, context.Canceled)
	}

	start := time.Now()
	act, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("hey"), nil)
	if act.Kind != ActionSilence || act.Reason != ReasonInterrupted {
		t.Fatalf("action = %+v err = %v", act, err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation not delivered promptly")
	}
	msgs, _ := rig.sessions.GetMessages(context.Background(), "cli:local", 10)
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Fatal("cancelled turn must not persist assistant text")
		}
	}
}

func TestSupersededTurnDiscarded(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	rig.main.fn = func(int, backend.CompleteParams) (backend.Result, error) {
		// A newer message lands while we are generating.
		rig.engine.bumpSeq("cli:local")
		return backend.Result{Text: "answer to the old thing"}, nil
	}

	act, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("first"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonStale {
		t.Fatalf("action = %+v", act)
	}
	msgs, _ := rig.sessions.GetMessages(ctx, "cli:local", 10)
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Fatal("stale turn must not persist assistant text")
		}
	}
}

func TestReplyClampedToMaxChars(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Behavior.DMMaxChars = 40
	})
	rig.main.fn = replies(strings.Repeat("long words forever ", 20))

	act, err := rig.engine.HandleIncomingMessage(context.Background(), dmMessage("talk"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSendText {
		t.Fatalf("action = %+v", act)
	}
	if len([]rune(act.Text)) > 40 {
		t.Errorf("reply length %d exceeds limit", len([]rune(act.Text)))
	}
	if strings.HasSuffix(act.Text, " ") {
		t.Error("clamped reply has trailing whitespace")
	}
}

func proactiveOn(cfg *config.Config) { cfg.Proactive.Enabled = true }

func TestTurnRecordsEpisode(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	rig.main.fn = replies("tacos for sure")

	if _, err := rig.engine.HandleIncomingMessage(ctx, dmMessage("dinner?"), nil); err != nil {
		t.Fatal(err)
	}

	eps, err := rig.memory.RecentEpisodes(ctx, "cli:local", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 {
		t.Fatalf("episodes = %+v", eps)
	}
	if !strings.Contains(eps[0].Summary, "dinner?") || !strings.Contains(eps[0].Summary, "tacos for sure") {
		t.Errorf("episode summary = %q", eps[0].Summary)
	}
}

func TestGroupBurstWaitsBeforeReplying(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Behavior.DebounceMs = 250
	})
	var slept []time.Duration
	rig.engine.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		rig.sessions.AppendMessage(ctx, store.SessionMessage{
			ChatID: "signal:group:1", Role: "user", AuthorID: "alice",
			Content: "wait one sec", CreatedAtMs: now + int64(i)*1000,
		})
	}

	msg := IncomingMessage{
		Channel:     "signal",
		ChatID:      "signal:group:1",
		MessageID:   "b1",
		AuthorID:    "alice",
		Text:        "and then",
		IsGroup:     true,
		TimestampMs: now + 3000,
	}
	act, err := rig.engine.HandleIncomingMessage(ctx, msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSendText {
		t.Fatalf("action = %+v", act)
	}
	if len(slept) == 0 || slept[0] != 250*time.Millisecond {
		t.Fatalf("burst settle wait missing, slept = %v", slept)
	}
}

func TestProactiveTurn(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, proactiveOn)
	rig.main.fn = func(_ int, p backend.CompleteParams) (backend.Result, error) {
		last := p.Messages[len(p.Messages)-1]
		if last.Role != "user" || last.Content != "Send the proactive message now." {
			t.Errorf("proactive prompt missing, got %+v", last)
		}
		return backend.Result{Text: "thought of you, hows the week going"}, nil
	}

	d := NewDispatcher(rig.engine, rig.memory, rig.feedback, nil)
	act, err := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "cli:local"})
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSendText {
		t.Fatalf("action = %+v", act)
	}

	msgs, _ := rig.sessions.GetMessages(ctx, "cli:local", 10)
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Fatalf("proactive turn must append only the assistant message: %+v", msgs)
	}
}

func TestProactiveHeartbeatOK(t *testing.T) {
	rig := newTestRig(t, proactiveOn)
	rig.main.fn = replies("HEARTBEAT_OK")

	d := NewDispatcher(rig.engine, rig.memory, rig.feedback, nil)
	act, err := d.Dispatch(context.Background(), ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "cli:local"})
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != ActionSilence || act.Reason != ReasonModelSilence {
		t.Fatalf("action = %+v", act)
	}
}

func TestProactiveGating(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, proactiveOn)
	d := NewDispatcher(rig.engine, rig.memory, rig.feedback, nil)

	t.Run("disabled config silences everything", func(t *testing.T) {
		off := newTestRig(t, nil)
		do := NewDispatcher(off.engine, off.memory, off.feedback, nil)
		act, _ := do.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindReminder, ChatID: "cli:local"})
		if act.Kind != ActionSilence || act.Reason != ReasonProactiveDisabled {
			t.Fatalf("action = %+v", act)
		}
	})

	t.Run("unroutable chat id", func(t *testing.T) {
		act, _ := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "???"})
		if act.Reason != ReasonProactiveUnroutable {
			t.Fatalf("action = %+v", act)
		}
	})

	t.Run("new contact blocked before any backend call", func(t *testing.T) {
		if _, err := rig.memory.UpsertPerson(ctx, "signal", "+1", "Sam"); err != nil {
			t.Fatal(err)
		}
		before := rig.main.callCount()
		act, _ := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "signal:dm:+1"})
		if act.Kind != ActionSilence || act.Reason != ReasonRelationshipTooNew {
			t.Fatalf("action = %+v", act)
		}
		if rig.main.callCount() != before {
			t.Error("gated event must not reach the backend")
		}
	})

	t.Run("warming tier throttled after a recent send", func(t *testing.T) {
		p, err := rig.memory.UpsertPerson(ctx, "signal", "+2", "Kim")
		if err != nil {
			t.Fatal(err)
		}
		if err := rig.memory.BumpRelationship(ctx, p.ID, 0.3); err != nil {
			t.Fatal(err)
		}
		err = rig.feedback.RegisterOutgoing(ctx, store.Outgoing{
			RefKey:  store.MakeRefKey("signal", "signal:dm:+2", "x1"),
			Channel: "signal", ChatID: "signal:dm:+2", MessageID: "x1",
			Text: "hey", SentAtMs: time.Now().UnixMilli(),
		})
		if err != nil {
			t.Fatal(err)
		}
		act, _ := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "signal:dm:+2"})
		if act.Kind != ActionSilence || act.Reason != ReasonWarmingThrottle {
			t.Fatalf("action = %+v", act)
		}
	})

	t.Run("relationship floor blocks known but distant people", func(t *testing.T) {
		strict := newTestRig(t, func(cfg *config.Config) {
			cfg.Proactive.Enabled = true
			cfg.Proactive.DM.MinRelationship = 0.5
		})
		ds := NewDispatcher(strict.engine, strict.memory, strict.feedback, nil)
		p, err := strict.memory.UpsertPerson(ctx, "signal", "+5", "Lu")
		if err != nil {
			t.Fatal(err)
		}
		if err := strict.memory.BumpRelationship(ctx, p.ID, 0.3); err != nil {
			t.Fatal(err)
		}
		act, _ := ds.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "signal:dm:+5"})
		if act.Kind != ActionSilence || act.Reason != ReasonRelationshipTooNew {
			t.Fatalf("action = %+v", act)
		}
	})

	t.Run("daily cap silences the third outreach", func(t *testing.T) {
		p, err := rig.memory.UpsertPerson(ctx, "signal", "+3", "Ana")
		if err != nil {
			t.Fatal(err)
		}
		if err := rig.memory.BumpRelationship(ctx, p.ID, 0.7); err != nil {
			t.Fatal(err)
		}
		for i, id := range []string{"d1", "d2"} {
			err := rig.feedback.RegisterOutgoing(ctx, store.Outgoing{
				RefKey:  store.MakeRefKey("signal", "signal:dm:+3", id),
				Channel: "signal", ChatID: "signal:dm:+3", MessageID: id,
				Text: "hey", SentAtMs: time.Now().Add(-time.Duration(i+5) * time.Hour).UnixMilli(),
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		act, _ := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "signal:dm:+3"})
		if act.Kind != ActionSilence || act.Reason != ReasonProactiveDailyCap {
			t.Fatalf("action = %+v", act)
		}
	})

	t.Run("minimum gap silences back to back outreach", func(t *testing.T) {
		p, err := rig.memory.UpsertPerson(ctx, "signal", "+4", "Bo")
		if err != nil {
			t.Fatal(err)
		}
		if err := rig.memory.BumpRelationship(ctx, p.ID, 0.7); err != nil {
			t.Fatal(err)
		}
		err = rig.feedback.RegisterOutgoing(ctx, store.Outgoing{
			RefKey:  store.MakeRefKey("signal", "signal:dm:+4", "g1"),
			Channel: "signal", ChatID: "signal:dm:+4", MessageID: "g1",
			Text: "hey", SentAtMs: time.Now().UnixMilli(),
		})
		if err != nil {
			t.Fatal(err)
		}
		act, _ := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindCheckIn, ChatID: "signal:dm:+4"})
		if act.Kind != ActionSilence || act.Reason != ReasonProactiveTooSoon {
			t.Fatalf("action = %+v", act)
		}
	})

	t.Run("reminders skip gating", func(t *testing.T) {
		rig.main.fn = replies("reminder: dentist at 3")
		act, err := d.Dispatch(ctx, ProactiveRequest{Kind: ProactiveKindReminder, ChatID: "signal:dm:+1"})
		if err != nil {
			t.Fatal(err)
		}
		if act.Kind != ActionSendText {
			t.Fatalf("action = %+v", act)
		}
	})
}

func TestActionRoundTrip(t *testing.T) {
	cases := []OutgoingAction{
		SendText("hello"),
		React("👍", "alice", 123),
		Silence(ReasonSleepMode),
	}
	for _, in := range cases {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		var out OutgoingAction
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
		if out != in {
			t.Errorf("round trip changed %+v to %+v", in, out)
		}
	}

	msg := IncomingMessage{
		Channel: "signal", ChatID: "signal:group:1", MessageID: "m", AuthorID: "a",
		Text: "hi", IsGroup: true, Mentioned: true,
		Attachments: []Attachment{{Kind: "image", Path: "/tmp/x.png"}},
		TimestampMs: 99,
	}
	data, _ := json.Marshal(msg)
	var back IncomingMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msg, back) {
		t.Errorf("round trip changed %+v to %+v", msg, back)
	}
}
