// Secrets resolve through a priority chain: explicit config value, then the
// OS keyring (Linux Secret Service, macOS Keychain, Windows Credential
// Manager), then environment variables. The keyring keeps keys off disk.
package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "openhomie"
	keyringAPIKey  = "api_key"
)

// StoreAPIKey saves the API key in the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// DeleteAPIKey removes the API key from the OS keyring.
func DeleteAPIKey() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// KeyringAvailable probes the OS keyring with a write/delete cycle.
func KeyringAvailable() bool {
	const probe = "__openhomie_probe__"
	if err := keyring.Set(keyringService, probe, "1"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// envKeysByProvider maps provider kinds to their conventional env var names.
var envKeysByProvider = map[ProviderKind][]string{
	ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	ProviderOpenAI:    {"OPENAI_API_KEY", "OPENHOMIE_API_KEY"},
	ProviderMPP:       {"MPP_API_KEY", "OPENHOMIE_API_KEY"},
}

// ResolveAPIKey fills Model.Provider.APIKey through the chain
// config → keyring → environment. Subprocess providers (claude-code,
// codex-cli) carry their own credentials and are skipped.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	kind := cfg.Model.Provider.Kind
	if kind == ProviderClaudeCode || kind == ProviderCodexCLI {
		return
	}
	if cfg.Model.Provider.APIKey != "" {
		logger.Debug("api key loaded from config")
		return
	}
	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		cfg.Model.Provider.APIKey = val
		logger.Debug("api key loaded from OS keyring")
		return
	}
	for _, env := range envKeysByProvider[kind] {
		if val := os.Getenv(env); val != "" {
			cfg.Model.Provider.APIKey = val
			logger.Debug("api key loaded from environment", "var", env)
			return
		}
	}
	logger.Warn("no api key found; set one in config, the OS keyring, or the environment")
}
