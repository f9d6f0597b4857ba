package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/retry"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Chat       ChatConfig
	Ollama     ProviderConfig
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	OpenRouter ProviderConfig
	Provider   ProviderLimits
	Retry      RetryConfig
	Persist    PersistConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ChatConfig struct {
	Provider string
	// Fallback is a comma separated provider list.
	Fallback string
}

type ProviderConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type ProviderLimits struct {
	RequestsPerSecond float64
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type PersistConfig struct {
	Debounce time.Duration
}

func defaults() Config {
	rc := retry.DefaultConfig()
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Chat: ChatConfig{
			Provider: string(chat.ProviderLocal),
			Fallback: "local,openai,anthropic,openrouter",
		},
		Ollama:     ProviderConfig{BaseURL: "http://localhost:11434", Model: "llama3.2"},
		OpenAI:     ProviderConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Anthropic:  ProviderConfig{BaseURL: "https://api.anthropic.com", Model: "claude-sonnet-4-5"},
		OpenRouter: ProviderConfig{BaseURL: "https://openrouter.ai/api/v1", Model: "openrouter/auto"},
		Provider:   ProviderLimits{RequestsPerSecond: 2},
		Retry: RetryConfig{
			MaxRetries: rc.MaxRetries,
			BaseDelay:  rc.BaseDelay,
			MaxDelay:   rc.MaxDelay,
		},
		Persist: PersistConfig{Debounce: 100 * time.Millisecond},
	}
}

// Load reads configuration from the TOML file backend and applies
// environment overrides.
//
// The file lives at $XDG_CONFIG_HOME/pocketchat/config.toml unless
// PCHAT_CONFIG_FILE points elsewhere. Environment variables (PCHAT_*)
// override file values; API keys and the server token are read from the
// environment only.
func Load() (Config, error) {
	b, err := newFileBackend(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	if _, err := chat.ParseProviderID(c.Chat.Provider); err != nil {
		errs = append(errs, fmt.Errorf("chat.provider: %w", err))
	}
	if _, err := c.FallbackOrder(); err != nil {
		errs = append(errs, fmt.Errorf("chat.fallback: %w", err))
	}
	if c.Provider.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("provider.requests_per_second must be >= 0, got %g", c.Provider.RequestsPerSecond))
	}
	if c.Persist.Debounce < 0 {
		errs = append(errs, fmt.Errorf("persist.debounce must be >= 0, got %s", c.Persist.Debounce))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	return errors.Join(errs...)
}

// FallbackOrder parses Chat.Fallback, starting with Chat.Provider.
func (c Config) FallbackOrder() ([]chat.ProviderID, error) {
	var order []chat.ProviderID
	seen := make(map[chat.ProviderID]bool)
	for _, raw := range append([]string{c.Chat.Provider}, strings.Split(c.Chat.Fallback, ",")...) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := chat.ParseProviderID(raw)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order, nil
}

// RetryPolicy is the provider retry policy with the configured bounds.
func (c Config) RetryPolicy() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = c.Retry.MaxRetries
	rc.BaseDelay = c.Retry.BaseDelay
	rc.MaxDelay = c.Retry.MaxDelay
	return rc
}

// ProviderFor returns the settings of one provider.
func (c Config) ProviderFor(id chat.ProviderID) ProviderConfig {
	switch id {
	case chat.ProviderOpenAI:
		return c.OpenAI
	case chat.ProviderAnthropic:
		return c.Anthropic
	case chat.ProviderOpenRouter:
		return c.OpenRouter
	default:
		return c.Ollama
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "pocketchat-data"
		}
	}
	return filepath.Join(dir, "pocketchat")
}

// FilePath returns the location of the config file.
func FilePath() string {
	if p := os.Getenv("PCHAT_CONFIG_FILE"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "pocketchat", "config.toml")
}
