package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

const extractorPrompt = `Extract durable personal facts about the message author from their chat message.
Only facts worth remembering weeks later: preferences, relationships, plans, life details.
Skip moods, small talk, and anything about other people.

Answer with ONLY a JSON object:
{"facts":[{"text":"they play guitar","evidence":"picked up my guitar again"}]}

"evidence" must be an exact substring of the message. Empty list when nothing is worth keeping.`

type extractedFacts struct {
	Facts []struct {
		Text     string `json:"text"`
		Evidence string `json:"evidence"`
	} `json:"facts"`
}

// Extractor pulls memorable facts out of user messages with the fast model.
// It runs best-effort after a send and never blocks or fails the turn.
type Extractor struct {
	backend   backend.Completer
	memory    *store.MemoryStore
	fastModel string
	logger    *slog.Logger
	timeout   time.Duration
}

// NewExtractor wires the extractor. A nil backend or memory store disables it.
func NewExtractor(b backend.Completer, memory *store.MemoryStore, fastModel string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{backend: b, memory: memory, fastModel: fastModel, logger: logger, timeout: 30 * time.Second}
}

// ExtractAsync kicks off extraction in the background. done, when non-nil, is
// closed after the attempt finishes; tests use it, callers ignore it.
func (e *Extractor) ExtractAsync(msg IncomingMessage, person store.Person, done chan<- struct{}) {
	if e == nil || e.backend == nil || e.memory == nil || person.ID == 0 {
		if done != nil {
			close(done)
		}
		return
	}
	go func() {
		if done != nil {
			defer close(done)
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.extract(ctx, msg, person); err != nil {
			e.logger.Debug("fact extraction skipped", "chat_id", msg.ChatID, "error", err)
		}
	}()
}

func (e *Extractor) extract(ctx context.Context, msg IncomingMessage, person store.Person) error {
	res, err := e.backend.Complete(ctx, backend.CompleteParams{
		System:   extractorPrompt,
		Messages: []backend.Message{{Role: "user", Content: msg.Text}},
		Model:    e.fastModel,
		MaxSteps: 1,
	})
	if err != nil {
		return err
	}
	var out extractedFacts
	if err := prompt.ExtractJSONObject(res.Text, &out); err != nil {
		return err
	}

	collapsed := collapseWhitespace(msg.Text)
	for _, f := range out.Facts {
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		// The model must quote the message verbatim; a fabricated quote
		// means a fabricated fact.
		if f.Evidence == "" || !strings.Contains(collapsed, collapseWhitespace(f.Evidence)) {
			continue
		}
		_, err := e.memory.AddFact(ctx, store.Fact{
			PersonID: person.ID,
			Text:     f.Text,
			Evidence: f.Evidence,
			Private:  !msg.IsGroup,
		}, nil)
		if err != nil {
			e.logger.Warn("fact store failed", "person_id", person.ID, "error", err)
		}
	}
	return nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
