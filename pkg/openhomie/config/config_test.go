package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	write := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("partial yaml keeps defaults", func(t *testing.T) {
		cfg, err := Load(write(t, `
model:
  models:
    default: claude-sonnet-4
behavior:
  dm_max_chars: 500
`))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Model.Models.Default != "claude-sonnet-4" {
			t.Errorf("default model = %q", cfg.Model.Models.Default)
		}
		if cfg.Model.Models.Fast != "gpt-4o-mini" {
			t.Errorf("fast model default lost: %q", cfg.Model.Models.Fast)
		}
		if cfg.Behavior.DMMaxChars != 500 {
			t.Errorf("dm_max_chars = %d", cfg.Behavior.DMMaxChars)
		}
		if cfg.Behavior.GroupMaxChars != 300 {
			t.Errorf("group_max_chars default lost: %d", cfg.Behavior.GroupMaxChars)
		}
	})

	t.Run("unknown provider kind rejected", func(t *testing.T) {
		_, err := Load(write(t, "model:\n  provider:\n    kind: carrier-pigeon\n"))
		if err == nil || !strings.Contains(err.Error(), "provider.kind") {
			t.Errorf("got %v", err)
		}
	})

	t.Run("bad sleep window rejected", func(t *testing.T) {
		_, err := Load(write(t, `
behavior:
  sleep:
    enabled: true
    timezone: Europe/Amsterdam
    start_local: "25:00"
    end_local: "07:00"
`))
		if err == nil || !strings.Contains(err.Error(), "HH:MM") {
			t.Errorf("got %v", err)
		}
	})

	t.Run("wrap-around sleep window accepted", func(t *testing.T) {
		cfg, err := Load(write(t, `
behavior:
  sleep:
    enabled: true
    timezone: Europe/Amsterdam
    start_local: "23:00"
    end_local: "07:00"
`))
		if err != nil {
			t.Fatal(err)
		}
		if !cfg.Behavior.Sleep.Enabled {
			t.Error("sleep should be enabled")
		}
	})

	t.Run("missing file is an error", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error")
		}
	})
}
