// Package identity loads the bot's persona files and composes them into the
// identity portion of the system prompt. Files are read once at startup and
// treated as read-only for the life of the process.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
)

// DefaultPromptBudget caps the composed identity prompt in tokens.
const DefaultPromptBudget = 1600

// Personality holds the structured part of the identity package.
type Personality struct {
	Name      string   `json:"name"`
	Creature  string   `json:"creature,omitempty"`
	Emoji     string   `json:"emoji,omitempty"`
	Traits    []string `json:"traits,omitempty"`
	Interests []string `json:"interests,omitempty"`
}

// Pack is a loaded identity package.
type Pack struct {
	Soul         string
	Style        string
	User         string
	FirstMeeting string
	Personality  Personality

	// BehaviorOverride replaces the built-in friend rules when present.
	BehaviorOverride string
}

// Name returns the persona name, falling back to a neutral default.
func (p *Pack) Name() string {
	if p.Personality.Name != "" {
		return p.Personality.Name
	}
	return "Homie"
}

// Load reads the identity package from dir. Every file must resolve (through
// symlinks) to a real path inside dir; anything pointing outside is rejected.
// Missing optional files are not an error, but SOUL.md is required.
func Load(dir string) (*Pack, error) {
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("identity dir: %w", err)
	}

	read := func(name string) (string, error) {
		path := filepath.Join(dir, name)
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", fmt.Errorf("resolve %s: %w", name, err)
		}
		if !contained(realDir, real) {
			return "", fmt.Errorf("identity file %s resolves outside the identity directory", name)
		}
		data, err := os.ReadFile(real)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		return string(data), nil
	}

	p := &Pack{}
	files := []struct {
		name string
		dst  *string
	}{
		{"SOUL.md", &p.Soul},
		{"STYLE.md", &p.Style},
		{"USER.md", &p.User},
		{"first-meeting.md", &p.FirstMeeting},
		{"BEHAVIOR.md", &p.BehaviorOverride},
	}
	for _, f := range files {
		content, err := read(f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = strings.TrimSpace(content)
	}
	if p.Soul == "" {
		return nil, fmt.Errorf("identity package in %s has no SOUL.md", dir)
	}

	if raw, err := read("personality.json"); err != nil {
		return nil, err
	} else if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Personality); err != nil {
			return nil, fmt.Errorf("parse personality.json: %w", err)
		}
	}

	return p, nil
}

// contained reports whether path lies within root (both already resolved).
func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Compose assembles the identity prompt under a token budget. Sections are
// appended in priority order (soul, style, personality, user, first meeting);
// the section that crosses the budget is truncated and the rest dropped.
func (p *Pack) Compose(budget int) string {
	if budget <= 0 {
		budget = DefaultPromptBudget
	}

	sections := []struct {
		header string
		body   string
	}{
		{"", p.Soul},
		{"## Style", p.Style},
		{"## Personality", p.personalityBlock()},
		{"## About them", p.User},
		{"## How you met", p.FirstMeeting},
	}

	var b strings.Builder
	used := 0
	for _, s := range sections {
		if s.body == "" {
			continue
		}
		text := s.body
		if s.header != "" {
			text = s.header + "\n" + text
		}
		cost := prompt.EstimateTokens(text)
		if used+cost > budget {
			text = prompt.TruncateToTokens(text, budget-used)
			if text == "" {
				break
			}
			cost = prompt.EstimateTokens(text)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		used += cost
		if used >= budget {
			break
		}
	}
	return b.String()
}

func (p *Pack) personalityBlock() string {
	var lines []string
	if p.Personality.Creature != "" {
		lines = append(lines, "You are "+p.Personality.Creature+".")
	}
	if len(p.Personality.Traits) > 0 {
		lines = append(lines, "Traits: "+strings.Join(p.Personality.Traits, ", "))
	}
	if len(p.Personality.Interests) > 0 {
		lines = append(lines, "Into: "+strings.Join(p.Personality.Interests, ", "))
	}
	return strings.Join(lines, "\n")
}
