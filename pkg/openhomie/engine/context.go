package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/identity"
	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
	"github.com/jholhewres/openhomie/pkg/openhomie/store"
	"github.com/jholhewres/openhomie/pkg/openhomie/tools"
)

const (
	scratchpadBudgetTokens = 350
	lessonLimit            = 8
	capsuleFactLimit       = 12
	retrievalLimit         = 10
	episodeLimit           = 3
	groupWindowRecent      = 2 * time.Hour
)

// TurnContext is everything the generation loop needs for one turn.
type TurnContext struct {
	System       string
	History      []backend.Message
	DataMessages []backend.Message
	Tools        []backend.ToolSpec
	MaxChars     int
}

// ContextBuilder assembles the system prompt, history, and tool set for a
// turn from the identity package, memory, and session state.
type ContextBuilder struct {
	cfg      *config.Config
	pack     *identity.Pack
	sessions *store.SessionStore
	memory   *store.MemoryStore
	groups   *store.GroupStore
	registry *tools.Registry
	logger   *slog.Logger
}

// NewContextBuilder wires the builder. memory and groups may be nil when the
// corresponding subsystems are disabled.
func NewContextBuilder(cfg *config.Config, pack *identity.Pack, sessions *store.SessionStore, memory *store.MemoryStore, groups *store.GroupStore, registry *tools.Registry, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		cfg:      cfg,
		pack:     pack,
		sessions: sessions,
		memory:   memory,
		groups:   groups,
		registry: registry,
		logger:   logger,
	}
}

// Build assembles the turn context for an incoming message. person may be
// zero when memory is disabled.
func (cb *ContextBuilder) Build(ctx context.Context, msg IncomingMessage, person store.Person) (TurnContext, error) {
	maxChars := cb.cfg.Behavior.DMMaxChars
	if msg.IsGroup {
		maxChars = cb.cfg.Behavior.GroupMaxChars
	}

	var sections []string
	sections = append(sections, cb.pack.Compose(cb.cfg.Engine.Context.IdentityPromptMaxTokens))

	groupSize := 0
	if msg.IsGroup && cb.groups != nil {
		n, err := cb.groups.RecentUniqueAuthors(ctx, msg.ChatID, groupWindowRecent)
		if err != nil {
			cb.logger.Warn("group size lookup failed", "chat_id", msg.ChatID, "error", err)
		} else {
			groupSize = n
		}
	}
	sections = append(sections, BehaviorRules(RuleParams{
		BotName:          cb.pack.Name(),
		IsGroup:          msg.IsGroup,
		GroupSize:        groupSize,
		MaxChars:         maxChars,
		BehaviorOverride: cb.pack.BehaviorOverride,
	}))

	if cb.cfg.Memory.Enabled && cb.memory != nil && person.ID != 0 {
		if mem := cb.memorySection(ctx, msg, person); mem != "" {
			sections = append(sections, mem)
		}
	}

	tc := TurnContext{
		System:   strings.Join(sections, "\n\n"),
		MaxChars: maxChars,
	}

	history, err := cb.sessions.GetMessages(ctx, msg.ChatID, cb.cfg.Engine.Session.FetchLimit)
	if err != nil {
		return TurnContext{}, fmt.Errorf("load session: %w", err)
	}
	for _, m := range history {
		tc.History = append(tc.History, backend.Message{Role: m.Role, Content: m.Content})
	}

	if notes, err := cb.sessions.ListNotes(ctx, msg.ChatID, 20); err != nil {
		cb.logger.Warn("scratchpad load failed", "chat_id", msg.ChatID, "error", err)
	} else if len(notes) > 0 {
		var b strings.Builder
		for _, n := range notes {
			fmt.Fprintf(&b, "%s: %s\n", n.Key, n.Content)
		}
		body := prompt.TruncateToTokens(b.String(), scratchpadBudgetTokens)
		tc.DataMessages = append(tc.DataMessages, backend.Message{
			Role:    "user",
			Content: prompt.WrapExternal("scratchpad", body),
		})
	}

	if cb.registry != nil {
		for _, def := range cb.registry.SelectForTurn(msg.IsOperator) {
			desc := def.Description
			if def.Guidance != "" {
				desc += "\n" + def.Guidance
			}
			tc.Tools = append(tc.Tools, backend.ToolSpec{
				Name:        def.Name,
				Description: desc,
				InputSchema: def.InputSchema,
			})
		}
	}
	return tc, nil
}

// memorySection renders the MEMORY CONTEXT block: the person capsule, facts
// retrieved for the current message, recent episode summaries, and
// behavior-insight lessons. Groups only ever see public facts.
func (cb *ContextBuilder) memorySection(ctx context.Context, msg IncomingMessage, person store.Person) string {
	includePrivate := !msg.IsGroup
	budget := cb.cfg.Memory.ContextBudgetTokens

	var b strings.Builder
	b.WriteString("## MEMORY CONTEXT\n\n")
	name := person.DisplayName
	if name == "" {
		name = msg.AuthorName
	}
	fmt.Fprintf(&b, "Talking with: %s (%s)\n\n", name, person.TrustTier())

	capsule, err := cb.memory.Capsule(ctx, person.ID, includePrivate, capsuleFactLimit)
	if err != nil {
		cb.logger.Warn("capsule load failed", "person_id", person.ID, "error", err)
	}
	if len(capsule) > 0 {
		b.WriteString("What you know about them:\n")
		for _, f := range capsule {
			fmt.Fprintf(&b, "- %s\n", f.Text)
		}
		b.WriteString("\n")
	}

	w := store.RetrievalWeights{
		RRFK:          cb.cfg.Memory.Retrieval.RRFK,
		FTSWeight:     cb.cfg.Memory.Retrieval.FTSWeight,
		VecWeight:     cb.cfg.Memory.Retrieval.VecWeight,
		RecencyWeight: cb.cfg.Memory.Retrieval.RecencyWeight,
		HalfLifeDays:  cb.cfg.Memory.Decay.HalfLifeDays,
	}
	if msg.Text != "" {
		facts, err := cb.memory.SearchFacts(ctx, person.ID, msg.Text, nil, includePrivate, retrievalLimit, w)
		if err != nil {
			cb.logger.Warn("fact retrieval failed", "person_id", person.ID, "error", err)
		}
		seen := map[int64]bool{}
		for _, f := range capsule {
			seen[f.ID] = true
		}
		var fresh []store.Fact
		for _, f := range facts {
			if !seen[f.ID] {
				fresh = append(fresh, f)
			}
		}
		if len(fresh) > 0 {
			b.WriteString("Relevant right now:\n")
			for _, f := range fresh {
				fmt.Fprintf(&b, "- %s\n", f.Text)
			}
			b.WriteString("\n")
		}
	}

	if episodes, err := cb.memory.RecentEpisodes(ctx, msg.ChatID, episodeLimit); err == nil && len(episodes) > 0 {
		b.WriteString("Recent moments:\n")
		for _, ep := range episodes {
			fmt.Fprintf(&b, "- %s\n", ep.Summary)
		}
		b.WriteString("\n")
	}

	var lessons []store.Lesson
	if gl, err := cb.memory.ListLessons(ctx, "global", lessonLimit); err == nil {
		lessons = append(lessons, gl...)
	}
	if msg.IsGroup {
		if gl, err := cb.memory.ListLessons(ctx, "group:"+msg.ChatID, lessonLimit); err == nil {
			lessons = append(lessons, gl...)
		}
	}
	if len(lessons) > 0 {
		b.WriteString("Behavior insights from past feedback:\n")
		for _, l := range lessons {
			fmt.Fprintf(&b, "- %s\n", l.Text)
		}
	}

	out := strings.TrimSpace(b.String())
	if budget > 0 {
		out = prompt.TruncateToTokens(out, budget)
	}
	return out
}
