package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/engine"
	"github.com/jholhewres/openhomie/pkg/openhomie/health"
	"github.com/jholhewres/openhomie/pkg/openhomie/identity"
	"github.com/jholhewres/openhomie/pkg/openhomie/keyed"
	"github.com/jholhewres/openhomie/pkg/openhomie/schedule"
	"github.com/jholhewres/openhomie/pkg/openhomie/security"
	"github.com/jholhewres/openhomie/pkg/openhomie/store"
	"github.com/jholhewres/openhomie/pkg/openhomie/tools"
)

// runtime bundles everything a running openhomie process needs.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *engine.TurnEngine
	dispatcher *engine.Dispatcher
	scheduler  *schedule.EventScheduler
	sessions   *store.SessionStore
	memory     *store.MemoryStore
	feedback   *store.FeedbackStore
	groups     *store.GroupStore
	telemetry  *store.TelemetryStore
	lifecycle  *health.Lifecycle
	pack       *identity.Pack
}

// buildRuntime opens the stores, loads the identity package, builds the
// backend for the configured provider, and wires the engine.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	pack, err := identity.Load(cfg.Paths.IdentityDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	sessions, err := store.NewSessionStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}
	memory, err := store.NewMemoryStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}
	feedback, err := store.NewFeedbackStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}
	groups, err := store.NewGroupStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}
	telemetry, err := store.NewTelemetryStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}
	scheduler, err := schedule.NewEventScheduler(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}

	be, err := buildBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := buildRegistry(cfg, sessions, memory, scheduler, logger)
	executor := tools.NewExecutor(registry, logger)
	builder := engine.NewContextBuilder(cfg, pack, sessions, memory, groups, registry, logger)
	behavior := engine.NewBehaviorEngine(be, cfg.Model.Models.Fast, logger)
	extractor := engine.NewExtractor(be, memory, cfg.Model.Models.Fast, logger)

	eng := engine.New(engine.Deps{
		Config:    cfg,
		Backend:   be,
		Builder:   builder,
		Behavior:  behavior,
		Extractor: extractor,
		Sessions:  sessions,
		Memory:    memory,
		Groups:    groups,
		Feedback:  feedback,
		Telemetry: telemetry,
		Executor:  executor,
		Logger:    logger,
	})

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		engine:     eng,
		dispatcher: engine.NewDispatcher(eng, memory, feedback, logger),
		scheduler:  scheduler,
		sessions:   sessions,
		memory:     memory,
		feedback:   feedback,
		groups:     groups,
		telemetry:  telemetry,
		lifecycle:  &health.Lifecycle{},
		pack:       pack,
	}, nil
}

func (rt *runtime) close() {
	rt.scheduler.Close()
	rt.telemetry.Close()
	rt.groups.Close()
	rt.feedback.Close()
	rt.memory.Close()
	rt.sessions.Close()
}

// buildBackend picks the backend implementation for the configured provider.
func buildBackend(cfg *config.Config, logger *slog.Logger) (backend.Completer, error) {
	switch cfg.Model.Provider.Kind {
	case config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderMPP:
		return backend.NewOpenAIBackend(backend.OpenAIConfig{
			BaseURL:       cfg.Model.Provider.BaseURL,
			APIKey:        cfg.Model.Provider.APIKey,
			Model:         cfg.Model.Models.Default,
			FallbackModel: cfg.Model.Models.Default,
		}, logger), nil
	case config.ProviderClaudeCode:
		return backend.NewClaudeCodeBackend(backend.ClaudeCodeConfig{}, logger), nil
	case config.ProviderCodexCLI:
		return backend.NewCodexBackend(backend.CodexConfig{}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Model.Provider.Kind)
	}
}

// buildRegistry registers the built-in tools.
func buildRegistry(cfg *config.Config, sessions *store.SessionStore, memory *store.MemoryStore, scheduler *schedule.EventScheduler, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(cfg.Tools, logger)

	guard := security.NewURLGuard(cfg.Security.URLGuard, logger)
	readURL := tools.NewReadURLTool(guard, false, logger)
	registry.MustRegister(readURL.Def())

	registry.MustRegister(tools.NewScratchpadTool(sessions))
	registry.MustRegister(tools.NewRememberTool(memory, func(ctx context.Context, tc tools.ToolContext) (store.Person, error) {
		return memory.GetPerson(ctx, chatChannel(tc.ChatID), tc.AuthorID)
	}))
	registry.MustRegister(tools.NewScheduleCheckinTool(scheduler))
	registry.MustRegister(tools.NewTranscribeTool(tools.TranscribeConfig{}))

	return registry
}

// chatChannel extracts the channel prefix of a chat id.
func chatChannel(chatID string) string {
	for i := 0; i < len(chatID); i++ {
		if chatID[i] == ':' {
			return chatID[:i]
		}
	}
	return chatID
}

// startProactiveLoop runs the heartbeat that delivers due proactive events.
func (rt *runtime) startProactiveLoop(ctx context.Context, deliver func(ctx context.Context, ev schedule.ProactiveEvent, action engine.OutgoingAction) error) *keyed.IntervalLoop {
	if !rt.cfg.Proactive.Enabled {
		return nil
	}
	interval := time.Duration(rt.cfg.Proactive.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	loop := keyed.NewIntervalLoop("proactive", interval, func(ctx context.Context) error {
		due, err := rt.scheduler.Due(ctx)
		if err != nil {
			return err
		}
		for _, ev := range due {
			claimed, err := rt.scheduler.MarkDelivered(ctx, ev)
			if err != nil || !claimed {
				continue
			}
			action, err := rt.dispatcher.Dispatch(ctx, engine.ProactiveRequest{Kind: ev.Kind, ChatID: ev.ChatID})
			if err != nil {
				rt.logger.Warn("proactive dispatch failed", "event_id", ev.ID, "error", err)
				continue
			}
			if action.Kind == engine.ActionSendText && deliver != nil {
				if err := deliver(ctx, ev, action); err != nil {
					rt.logger.Warn("proactive delivery failed", "event_id", ev.ID, "error", err)
				}
			}
		}
		return nil
	}, rt.logger)
	loop.Start(ctx)
	return loop
}

// startFeedbackLoop periodically finalizes matured feedback rows and mints
// behavior lessons from strong outcomes.
func (rt *runtime) startFeedbackLoop(ctx context.Context) *keyed.IntervalLoop {
	fb := rt.cfg.Memory.Feedback
	finalizeAfter := time.Duration(fb.FinalizeAfterMs) * time.Millisecond
	if finalizeAfter <= 0 {
		return nil
	}
	loop := keyed.NewIntervalLoop("feedback", time.Hour, func(ctx context.Context) error {
		scored, err := rt.feedback.FinalizeDue(ctx, finalizeAfter, engine.ScoreFeedback)
		if err != nil {
			return err
		}
		for _, o := range scored {
			scope := "global"
			if o.IsGroup {
				scope = "group:" + o.ChatID
			}
			switch {
			case o.Score >= fb.SuccessThreshold:
				lesson := fmt.Sprintf("Messages like %q land well here.", snippet(o.Text))
				if err := rt.memory.AddLesson(ctx, scope, lesson); err != nil {
					rt.logger.Warn("lesson store failed", "error", err)
				}
			case o.Score <= fb.FailureThreshold:
				lesson := fmt.Sprintf("Messages like %q fall flat; fewer of those.", snippet(o.Text))
				if err := rt.memory.AddLesson(ctx, scope, lesson); err != nil {
					rt.logger.Warn("lesson store failed", "error", err)
				}
			}
		}
		return nil
	}, rt.logger)
	loop.Start(ctx)
	return loop
}

// startConsolidationLoop periodically dedupes stored facts and prunes ones so
// old that decay has pushed them out of retrieval range.
func (rt *runtime) startConsolidationLoop(ctx context.Context) *keyed.IntervalLoop {
	cc := rt.cfg.Memory.Consolidation
	if !cc.Enabled {
		return nil
	}
	interval := time.Duration(cc.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	// Past four half-lives a fact's recency weight is under 7% of fresh.
	maxAge := time.Duration(rt.cfg.Memory.Decay.HalfLifeDays * 4 * 24 * float64(time.Hour))
	loop := keyed.NewIntervalLoop("consolidation", interval, func(ctx context.Context) error {
		removed, err := rt.memory.Consolidate(ctx, maxAge, 0)
		if err != nil {
			return err
		}
		if removed > 0 {
			rt.logger.Info("memory consolidated", "facts_removed", removed)
		}
		return nil
	}, rt.logger)
	loop.Start(ctx)
	return loop
}

func snippet(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
