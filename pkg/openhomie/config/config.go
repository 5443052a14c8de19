// Package config defines the runtime configuration for openhomie, loaded from
// YAML with defaults applied before validation. The engine always receives a
// fully-validated Config; nothing downstream re-checks these fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/openhomie/pkg/openhomie/security"
)

// ProviderKind selects which backend implementation serves completions.
type ProviderKind string

const (
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderOpenAI     ProviderKind = "openai-compatible"
	ProviderMPP        ProviderKind = "mpp"
	ProviderClaudeCode ProviderKind = "claude-code"
	ProviderCodexCLI   ProviderKind = "codex-cli"
)

// Config is the root configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Engine    EngineConfig    `yaml:"engine"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
	Proactive ProactiveConfig `yaml:"proactive"`
	Memory    MemoryConfig    `yaml:"memory"`
	Tools     ToolsConfig     `yaml:"tools"`
	Paths     PathsConfig     `yaml:"paths"`
	Security  SecurityConfig  `yaml:"security"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ModelConfig selects the provider and model identifiers.
type ModelConfig struct {
	Provider ProviderConfig `yaml:"provider"`
	Models   ModelsConfig   `yaml:"models"`
}

type ProviderConfig struct {
	Kind    ProviderKind `yaml:"kind"`
	BaseURL string       `yaml:"base_url"`
	APIKey  string       `yaml:"api_key"`
}

type ModelsConfig struct {
	// Default serves reactive and proactive turns.
	Default string `yaml:"default"`
	// Fast serves cheap structured calls (behavior decisions, extraction).
	Fast string `yaml:"fast"`
}

// EngineConfig tunes the turn engine.
type EngineConfig struct {
	Limiter        LimiterConfig        `yaml:"limiter"`
	PerChatLimiter PerChatLimiterConfig `yaml:"per_chat_limiter"`
	Session        SessionConfig        `yaml:"session"`
	Context        ContextConfig        `yaml:"context"`
	Generation     GenerationConfig     `yaml:"generation"`
	Accumulator    AccumulatorConfig    `yaml:"accumulator"`
}

type LimiterConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type PerChatLimiterConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	StaleAfterMs    int64   `yaml:"stale_after_ms"`
	SweepInterval   int     `yaml:"sweep_interval"`
}

type SessionConfig struct {
	FetchLimit int `yaml:"fetch_limit"`
}

type ContextConfig struct {
	MaxTokensDefault        int `yaml:"max_tokens_default"`
	IdentityPromptMaxTokens int `yaml:"identity_prompt_max_tokens"`
}

type GenerationConfig struct {
	ReactiveMaxSteps  int `yaml:"reactive_max_steps"`
	ProactiveMaxSteps int `yaml:"proactive_max_steps"`
	MaxRegens         int `yaml:"max_regens"`
}

// AccumulatorConfig tunes message burst grouping.
type AccumulatorConfig struct {
	DMWindowMs             int     `yaml:"dm_window_ms"`
	GroupWindowMs          int     `yaml:"group_window_ms"`
	MaxWaitMs              int     `yaml:"max_wait_ms"`
	MaxMessages            int     `yaml:"max_messages"`
	ContinuationMultiplier float64 `yaml:"continuation_multiplier"`
}

// BehaviorConfig shapes how the bot talks and when it stays quiet.
type BehaviorConfig struct {
	Sleep         SleepConfig `yaml:"sleep"`
	GroupMaxChars int         `yaml:"group_max_chars"`
	DMMaxChars    int         `yaml:"dm_max_chars"`
	MinDelayMs    int         `yaml:"min_delay_ms"`
	MaxDelayMs    int         `yaml:"max_delay_ms"`
	DebounceMs    int         `yaml:"debounce_ms"`
}

// SleepConfig defines the local-time window in which the bot does not reply.
// Wrap-around windows (23:00 to 07:00) are supported.
type SleepConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Timezone   string `yaml:"timezone"`
	StartLocal string `yaml:"start_local"`
	EndLocal   string `yaml:"end_local"`
}

// ProactiveConfig caps bot-initiated messages.
type ProactiveConfig struct {
	Enabled             bool                `yaml:"enabled"`
	HeartbeatIntervalMs int64               `yaml:"heartbeat_interval_ms"`
	DM                  ProactiveCapsConfig `yaml:"dm"`
	Group               ProactiveCapsConfig `yaml:"group"`
}

type ProactiveCapsConfig struct {
	MaxPerDay         int     `yaml:"max_per_day"`
	MinGapMs          int64   `yaml:"min_gap_ms"`
	MinRelationship   float64 `yaml:"min_relationship"`
	WarmingMaxPerWeek int     `yaml:"warming_max_per_week"`
}

// MemoryConfig tunes long-term memory and retrieval.
type MemoryConfig struct {
	Enabled             bool                `yaml:"enabled"`
	ContextBudgetTokens int                 `yaml:"context_budget_tokens"`
	Capsule             CapsuleConfig       `yaml:"capsule"`
	Decay               DecayConfig         `yaml:"decay"`
	Retrieval           RetrievalConfig     `yaml:"retrieval"`
	Feedback            FeedbackConfig      `yaml:"feedback"`
	Consolidation       ConsolidationConfig `yaml:"consolidation"`
}

type CapsuleConfig struct {
	MaxFacts int `yaml:"max_facts"`
}

type DecayConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days"`
}

type RetrievalConfig struct {
	RRFK          float64 `yaml:"rrf_k"`
	FTSWeight     float64 `yaml:"fts_weight"`
	VecWeight     float64 `yaml:"vec_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`
}

type FeedbackConfig struct {
	FinalizeAfterMs  int64   `yaml:"finalize_after_ms"`
	SuccessThreshold float64 `yaml:"success_threshold"`
	FailureThreshold float64 `yaml:"failure_threshold"`
}

type ConsolidationConfig struct {
	Enabled    bool  `yaml:"enabled"`
	IntervalMs int64 `yaml:"interval_ms"`
}

// ToolsConfig gates restricted and dangerous tool tiers.
type ToolsConfig struct {
	Restricted TierGateConfig  `yaml:"restricted"`
	Dangerous  DangerousConfig `yaml:"dangerous"`
}

type TierGateConfig struct {
	EnabledForOperator bool     `yaml:"enabled_for_operator"`
	Allowlist          []string `yaml:"allowlist"`
}

type DangerousConfig struct {
	EnabledForOperator bool     `yaml:"enabled_for_operator"`
	AllowAll           bool     `yaml:"allow_all"`
	Allowlist          []string `yaml:"allowlist"`
}

// PathsConfig locates the project on disk.
type PathsConfig struct {
	ProjectDir  string `yaml:"project_dir"`
	IdentityDir string `yaml:"identity_dir"`
	DataDir     string `yaml:"data_dir"`
}

// SecurityConfig configures outbound URL guarding.
type SecurityConfig struct {
	URLGuard security.URLGuardConfig `yaml:"url_guard"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Addr           string `yaml:"addr"`
	CheckTimeoutMs int    `yaml:"check_timeout_ms"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: ProviderConfig{Kind: ProviderOpenAI},
			Models:   ModelsConfig{Default: "gpt-4o", Fast: "gpt-4o-mini"},
		},
		Engine: EngineConfig{
			Limiter:        LimiterConfig{Capacity: 6, RefillPerSecond: 0.5},
			PerChatLimiter: PerChatLimiterConfig{Capacity: 3, RefillPerSecond: 0.5, StaleAfterMs: 30 * 60 * 1000, SweepInterval: 256},
			Session:        SessionConfig{FetchLimit: 60},
			Context: ContextConfig{
				MaxTokensDefault:        24000,
				IdentityPromptMaxTokens: 1600,
			},
			Generation: GenerationConfig{ReactiveMaxSteps: 8, ProactiveMaxSteps: 4, MaxRegens: 2},
			Accumulator: AccumulatorConfig{
				DMWindowMs:             4000,
				GroupWindowMs:          7000,
				MaxWaitMs:              20000,
				MaxMessages:            8,
				ContinuationMultiplier: 1.8,
			},
		},
		Behavior: BehaviorConfig{
			Sleep:         SleepConfig{Enabled: false, Timezone: "UTC", StartLocal: "23:30", EndLocal: "07:30"},
			GroupMaxChars: 300,
			DMMaxChars:    900,
			MinDelayMs:    800,
			MaxDelayMs:    4000,
			DebounceMs:    1500,
		},
		Proactive: ProactiveConfig{
			Enabled:             false,
			HeartbeatIntervalMs: 30 * 60 * 1000,
			DM:                  ProactiveCapsConfig{MaxPerDay: 2, MinGapMs: 4 * 60 * 60 * 1000, MinRelationship: 0.15, WarmingMaxPerWeek: 2},
			Group:               ProactiveCapsConfig{MaxPerDay: 1, MinGapMs: 8 * 60 * 60 * 1000, MinRelationship: 0.25, WarmingMaxPerWeek: 1},
		},
		Memory: MemoryConfig{
			Enabled:             true,
			ContextBudgetTokens: 1200,
			Capsule:             CapsuleConfig{MaxFacts: 12},
			Decay:               DecayConfig{HalfLifeDays: 30},
			Retrieval:           RetrievalConfig{RRFK: 60, FTSWeight: 1.0, VecWeight: 1.0, RecencyWeight: 0.5},
			Feedback:            FeedbackConfig{FinalizeAfterMs: 6 * 60 * 60 * 1000, SuccessThreshold: 0.6, FailureThreshold: -0.4},
			Consolidation:       ConsolidationConfig{Enabled: true, IntervalMs: 24 * 60 * 60 * 1000},
		},
		Tools: ToolsConfig{
			Restricted: TierGateConfig{EnabledForOperator: true},
			Dangerous:  DangerousConfig{EnabledForOperator: false},
		},
		Paths: PathsConfig{
			ProjectDir:  ".",
			IdentityDir: "identity",
			DataDir:     "data",
		},
		Security: SecurityConfig{
			URLGuard: security.URLGuardConfig{ResolveTimeoutMs: 5000, MaxRedirects: 5},
		},
		Health:  HealthConfig{Addr: "127.0.0.1:8787", CheckTimeoutMs: 1500},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file, applies defaults for omitted fields, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	switch c.Model.Provider.Kind {
	case ProviderAnthropic, ProviderOpenAI, ProviderMPP, ProviderClaudeCode, ProviderCodexCLI:
	default:
		return fmt.Errorf("model.provider.kind: unknown kind %q", c.Model.Provider.Kind)
	}
	if c.Model.Models.Default == "" {
		return fmt.Errorf("model.models.default is required")
	}
	if c.Engine.Limiter.Capacity <= 0 || c.Engine.Limiter.RefillPerSecond <= 0 {
		return fmt.Errorf("engine.limiter: capacity and refill_per_second must be positive")
	}
	if c.Engine.PerChatLimiter.StaleAfterMs <= 0 {
		return fmt.Errorf("engine.per_chat_limiter.stale_after_ms must be positive")
	}
	if c.Behavior.Sleep.Enabled {
		if _, err := time.LoadLocation(c.Behavior.Sleep.Timezone); err != nil {
			return fmt.Errorf("behavior.sleep.timezone: %w", err)
		}
		for _, v := range []string{c.Behavior.Sleep.StartLocal, c.Behavior.Sleep.EndLocal} {
			if _, err := time.Parse("15:04", v); err != nil {
				return fmt.Errorf("behavior.sleep: bad HH:MM value %q", v)
			}
		}
	}
	if c.Behavior.GroupMaxChars <= 0 || c.Behavior.DMMaxChars <= 0 {
		return fmt.Errorf("behavior: group_max_chars and dm_max_chars must be positive")
	}
	if c.Behavior.MinDelayMs > c.Behavior.MaxDelayMs {
		return fmt.Errorf("behavior: min_delay_ms exceeds max_delay_ms")
	}
	if c.Memory.Retrieval.RRFK <= 0 {
		return fmt.Errorf("memory.retrieval.rrf_k must be positive")
	}
	if c.Paths.DataDir == "" || c.Paths.IdentityDir == "" {
		return fmt.Errorf("paths: data_dir and identity_dir are required")
	}
	return nil
}
