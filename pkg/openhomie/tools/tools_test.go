package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
	"github.com/jholhewres/openhomie/pkg/openhomie/schedule"
)

func echoTool(name string, tier Tier, effects ...Effect) ToolDef {
	return ToolDef{
		Name:        name,
		Tier:        tier,
		Effects:     effects,
		Description: "test tool",
		Execute: func(_ context.Context, _ ToolContext, input json.RawMessage) (string, error) {
			return string(input), nil
		},
	}
}

func TestRegistrySelection(t *testing.T) {
	cfg := config.ToolsConfig{
		Restricted: config.TierGateConfig{EnabledForOperator: true},
		Dangerous:  config.DangerousConfig{EnabledForOperator: true, Allowlist: []string{"nuke"}},
	}
	r := NewRegistry(cfg, nil)
	r.MustRegister(echoTool("lookup", TierSafe))
	r.MustRegister(echoTool("files", TierSafe, EffectFilesystem))
	r.MustRegister(echoTool("admin", TierRestricted))
	r.MustRegister(echoTool("nuke", TierDangerous, EffectSubprocess))
	r.MustRegister(echoTool("other_danger", TierDangerous))

	names := func(defs []ToolDef) []string {
		var out []string
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}

	t.Run("non-operator gets safe minus fs/subprocess", func(t *testing.T) {
		got := names(r.SelectForTurn(false))
		if len(got) != 1 || got[0] != "lookup" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("operator gets restricted and allowlisted dangerous", func(t *testing.T) {
		got := names(r.SelectForTurn(true))
		want := []string{"admin", "files", "lookup", "nuke"}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("got %v want %v", got, want)
		}
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		if err := r.Register(echoTool("lookup", TierSafe)); err == nil {
			t.Error("expected duplicate error")
		}
	})
}

func TestExecutor(t *testing.T) {
	ctx := context.Background()
	cfg := config.ToolsConfig{}
	tc := ToolContext{ChatID: "c1"}

	newExec := func(defs ...ToolDef) *Executor {
		r := NewRegistry(cfg, nil)
		for _, d := range defs {
			r.MustRegister(d)
		}
		return NewExecutor(r, nil)
	}

	t.Run("schema validation failure is model-visible", func(t *testing.T) {
		def := echoTool("strict", TierSafe)
		def.InputSchema = json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)
		e := newExec(def)

		_, err := e.Run(ctx, tc, nil, "strict", json.RawMessage(`{"n":"not a number"}`))
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("err = %v", err)
		}
		if !strings.Contains(se.Error(), "strict") {
			t.Errorf("error should name the tool: %v", se)
		}

		if _, err := e.Run(ctx, tc, nil, "strict", json.RawMessage(`{"n":3}`)); err != nil {
			t.Errorf("valid input rejected: %v", err)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		e := newExec()
		var se *SchemaError
		if _, err := e.Run(ctx, tc, nil, "ghost", json.RawMessage(`{}`)); !errors.As(err, &se) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("timeout cancels execution", func(t *testing.T) {
		def := ToolDef{
			Name:      "slow",
			Tier:      TierSafe,
			TimeoutMs: 50,
			Execute: func(ctx context.Context, _ ToolContext, _ json.RawMessage) (string, error) {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(5 * time.Second):
					return "too late", nil
				}
			},
		}
		e := newExec(def)
		start := time.Now()
		_, err := e.Run(ctx, tc, nil, "slow", json.RawMessage(`{}`))
		if err == nil || !strings.Contains(err.Error(), "timed out") {
			t.Errorf("err = %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("timeout not enforced promptly")
		}
	})

	t.Run("budget truncates and records", func(t *testing.T) {
		def := ToolDef{
			Name: "verbose",
			Tier: TierSafe,
			Execute: func(context.Context, ToolContext, json.RawMessage) (string, error) {
				return strings.Repeat("words and more words. ", 500), nil
			},
		}
		e := newExec(def)
		budget := NewBudget(50, 1000)
		out, err := e.Run(ctx, tc, budget, "verbose", json.RawMessage(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "[output truncated]") {
			t.Error("missing truncation marker")
		}
		recs := budget.Truncations()
		if len(recs) != 1 || recs[0].ToolName != "verbose" || !recs[0].Truncated {
			t.Errorf("records = %+v", recs)
		}
	})

	t.Run("shared pool drains across calls", func(t *testing.T) {
		def := ToolDef{
			Name: "chunky",
			Tier: TierSafe,
			Execute: func(context.Context, ToolContext, json.RawMessage) (string, error) {
				return strings.Repeat("x", 200), nil
			},
		}
		e := newExec(def)
		budget := NewBudget(1000, 80)
		if _, err := e.Run(ctx, tc, budget, "chunky", json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
		out, err := e.Run(ctx, tc, budget, "chunky", json.RawMessage(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		if len(out) >= 200 {
			t.Error("second call should be clamped by the drained pool")
		}
	})
}

func TestScheduleCheckinTool(t *testing.T) {
	ctx := context.Background()
	sched, err := schedule.NewEventScheduler(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sched.Close()

	def := NewScheduleCheckinTool(sched)
	tc := ToolContext{ChatID: "cli:local"}

	t.Run("one-shot lands in the store", func(t *testing.T) {
		out, err := def.Execute(ctx, tc, json.RawMessage(`{"kind":"reminder","at":"2026-09-01T10:00:00Z","note":"dentist"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "scheduled") {
			t.Errorf("out = %q", out)
		}
		pending, err := sched.Pending(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ChatID != "cli:local" || pending[0].Note != "dentist" {
			t.Errorf("pending = %+v", pending)
		}
	})

	t.Run("needs a time or cron", func(t *testing.T) {
		if _, err := def.Execute(ctx, tc, json.RawMessage(`{"kind":"check_in"}`)); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("bad time rejected", func(t *testing.T) {
		if _, err := def.Execute(ctx, tc, json.RawMessage(`{"kind":"reminder","at":"tomorrow"}`)); err == nil {
			t.Error("expected error")
		}
	})
}
