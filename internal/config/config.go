package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Engine   EngineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// EngineConfig tunes section selection and prompt assembly.
type EngineConfig struct {
	MinScore      float64
	MaxBudget     int
	BudgetUnits   string // chars or tokens
	HistoryPolicy string // neutral, penalize-repeats or boost-continuity
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Provider: ProviderConfig{
			BaseURL: "https://openrouter.ai/api",
			Model:   "anthropic/claude-opus-4",
		},
		Engine: EngineConfig{
			MinScore:      0,
			MaxBudget:     0,
			BudgetUnits:   "chars",
			HistoryPolicy: "neutral",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.stanza.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/stanza/config.json
// and secrets live in a mode-0600 secrets file under the data dir.
//
// Environment variables (STANZA_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts platform secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the secret store for the provider key if still empty.
	if cfg.Provider.APIKey == "" {
		if key, err := kc.Get("stanza", "provider_api_key"); err == nil && key != "" {
			cfg.Provider.APIKey = key
		}
	}

	if cfg.Provider.APIKey == "" {
		msg := "missing required config: provider API key. " +
			"Set it via environment variable STANZA_PROVIDER_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	switch cfg.Engine.BudgetUnits {
	case "chars", "tokens":
	default:
		return Config{}, fmt.Errorf("invalid engine.budget_units %q: must be chars or tokens", cfg.Engine.BudgetUnits)
	}
	switch cfg.Engine.HistoryPolicy {
	case "neutral", "penalize-repeats", "boost-continuity":
	default:
		return Config{}, fmt.Errorf("invalid engine.history_policy %q", cfg.Engine.HistoryPolicy)
	}

	return cfg, nil
}

// Keychain reads and writes the platform secret store.
type Keychain struct{}

func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token protecting the management API.
// Resolution order: STANZA_API_TOKEN env var, the platform secret store,
// else a fresh random token is generated and persisted to the store.
func GetAPIToken(kc keychain) (string, error) {
	if tok := os.Getenv("STANZA_API_TOKEN"); tok != "" {
		return tok, nil
	}

	if tok, err := kc.Get("stanza", "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(raw)
	if err := kc.Set("stanza", "api_token", tok); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return tok, nil
}
