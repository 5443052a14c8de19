package tools

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
)

// Registry holds every loaded tool. Tools register once at build time;
// per-turn selection filters by tier, effects, and the caller's standing.
type Registry struct {
	cfg    config.ToolsConfig
	byName map[string]ToolDef
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.ToolsConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		byName: make(map[string]ToolDef),
		logger: logger.With("component", "tool_registry"),
	}
}

// Register adds a tool. Names must be unique across all sources (builtin,
// identity, skill); a duplicate is a build-time error.
func (r *Registry) Register(def ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", def.Name)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("duplicate tool name %q", def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

// MustRegister panics on registration failure; used for builtins.
func (r *Registry) MustRegister(def ToolDef) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (ToolDef, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// SelectForTurn returns the tools offered for one turn, sorted by name.
//
// Safe tools are always in. Restricted tools need an operator plus config
// enablement (and allowlist membership when an allowlist is set). Dangerous
// tools additionally need allow_all or an allowlist hit. Non-operators never
// see tools with filesystem or subprocess effects.
func (r *Registry) SelectForTurn(isOperator bool) []ToolDef {
	var out []ToolDef
	for _, d := range r.byName {
		if !r.tierAllowed(d, isOperator) {
			continue
		}
		if !isOperator && (d.HasEffect(EffectFilesystem) || d.HasEffect(EffectSubprocess)) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) tierAllowed(d ToolDef, isOperator bool) bool {
	switch d.Tier {
	case TierSafe:
		return true
	case TierRestricted:
		if !isOperator || !r.cfg.Restricted.EnabledForOperator {
			return false
		}
		if len(r.cfg.Restricted.Allowlist) > 0 {
			return contains(r.cfg.Restricted.Allowlist, d.Name)
		}
		return true
	case TierDangerous:
		if !isOperator || !r.cfg.Dangerous.EnabledForOperator {
			return false
		}
		return r.cfg.Dangerous.AllowAll || contains(r.cfg.Dangerous.Allowlist, d.Name)
	default:
		r.logger.Warn("tool with unknown tier excluded", "tool", d.Name, "tier", d.Tier)
		return false
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
