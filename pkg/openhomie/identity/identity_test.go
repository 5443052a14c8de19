package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	t.Run("full package", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "SOUL.md", "You are warm and a little chaotic.")
		writeFile(t, dir, "STYLE.md", "Short messages. Lowercase.")
		writeFile(t, dir, "USER.md", "They like cycling.")
		writeFile(t, dir, "first-meeting.md", "Met at a party.")
		writeFile(t, dir, "personality.json", `{"name":"Nia","creature":"a red panda","traits":["curious","blunt"]}`)

		p, err := Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		if p.Name() != "Nia" {
			t.Errorf("name = %q", p.Name())
		}
		if p.Soul == "" || p.Style == "" || p.User == "" || p.FirstMeeting == "" {
			t.Error("expected all sections loaded")
		}
		if p.BehaviorOverride != "" {
			t.Error("no BEHAVIOR.md was written")
		}
	})

	t.Run("missing SOUL.md fails", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "STYLE.md", "whatever")
		if _, err := Load(dir); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing optional files are fine", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "SOUL.md", "soul")
		p, err := Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		if p.Name() != "Homie" {
			t.Errorf("default name = %q", p.Name())
		}
	})

	t.Run("symlink escaping the dir is rejected", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks need privileges on windows")
		}
		outside := t.TempDir()
		writeFile(t, outside, "secret.md", "private key material")

		dir := t.TempDir()
		writeFile(t, dir, "SOUL.md", "soul")
		if err := os.Symlink(filepath.Join(outside, "secret.md"), filepath.Join(dir, "STYLE.md")); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(dir); err == nil {
			t.Error("expected containment error")
		}
	})

	t.Run("symlink inside the dir is allowed", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks need privileges on windows")
		}
		dir := t.TempDir()
		writeFile(t, dir, "SOUL.md", "soul")
		writeFile(t, dir, "style-real.md", "linked style")
		if err := os.Symlink(filepath.Join(dir, "style-real.md"), filepath.Join(dir, "STYLE.md")); err != nil {
			t.Fatal(err)
		}
		p, err := Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		if p.Style != "linked style" {
			t.Errorf("style = %q", p.Style)
		}
	})
}

func TestCompose(t *testing.T) {
	p := &Pack{
		Soul:         "You are warm.",
		Style:        "Short messages.",
		User:         strings.Repeat("They like long walks. ", 50),
		FirstMeeting: "Met online.",
		Personality:  Personality{Name: "Nia", Traits: []string{"curious"}},
	}

	t.Run("all sections under a large budget", func(t *testing.T) {
		out := p.Compose(DefaultPromptBudget)
		for _, want := range []string{"You are warm.", "## Style", "## Personality", "## About them", "## How you met"} {
			if !strings.Contains(out, want) {
				t.Errorf("missing %q", want)
			}
		}
	})

	t.Run("budget enforced with soul kept first", func(t *testing.T) {
		out := p.Compose(40)
		if !strings.Contains(out, "You are warm.") {
			t.Error("soul should survive a tight budget")
		}
		if got := prompt.EstimateTokens(out); got > 45 {
			t.Errorf("composed prompt is %d tokens, budget 40", got)
		}
		if strings.Contains(out, "How you met") {
			t.Error("low-priority section should be dropped")
		}
	})
}
