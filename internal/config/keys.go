package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func providerSpecs(name, envName string, get func(*Config) *ProviderConfig) []keySpec {
	return []keySpec{
		{
			key: name + ".base_url", typ: kString, env: "PCHAT_" + envName + "_BASE_URL",
			apply:   func(cfg *Config, v any) { get(cfg).BaseURL = v.(string) },
			extract: func(cfg Config) any { return get(&cfg).BaseURL },
		},
		{
			key: name + ".model", typ: kString, env: "PCHAT_" + envName + "_MODEL",
			apply:   func(cfg *Config, v any) { get(cfg).Model = v.(string) },
			extract: func(cfg Config) any { return get(&cfg).Model },
		},
	}
}

func apiKeySpec(name, envName string, get func(*Config) *ProviderConfig) keySpec {
	return keySpec{
		key: name + ".api_key", typ: kString, env: "PCHAT_" + envName + "_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { get(cfg).APIKey = v.(string) },
		extract: func(cfg Config) any { return get(&cfg).APIKey },
	}
}

var specs = func() []keySpec {
	s := []keySpec{
		{
			key: "server.port", typ: kInt, env: "PCHAT_SERVER_PORT",
			apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
			extract: func(cfg Config) any { return cfg.Server.Port },
		},
		{
			key: "server.token", typ: kString, env: "PCHAT_SERVER_TOKEN",
			secret:  true,
			apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
			extract: func(cfg Config) any { return cfg.Server.Token },
		},
		{
			key: "storage.data_dir", typ: kString, env: "PCHAT_STORAGE_DATA_DIR",
			apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
			extract: func(cfg Config) any { return cfg.Storage.DataDir },
		},
		{
			key: "log.level", typ: kString, env: "PCHAT_LOG_LEVEL",
			apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
			extract: func(cfg Config) any { return cfg.Log.Level },
		},
		{
			key: "chat.provider", typ: kString, env: "PCHAT_CHAT_PROVIDER",
			apply:   func(cfg *Config, v any) { cfg.Chat.Provider = v.(string) },
			extract: func(cfg Config) any { return cfg.Chat.Provider },
		},
		{
			key: "chat.fallback", typ: kString, env: "PCHAT_CHAT_FALLBACK",
			apply:   func(cfg *Config, v any) { cfg.Chat.Fallback = v.(string) },
			extract: func(cfg Config) any { return cfg.Chat.Fallback },
		},
	}
	s = append(s, providerSpecs("ollama", "OLLAMA", func(c *Config) *ProviderConfig { return &c.Ollama })...)
	s = append(s, providerSpecs("openai", "OPENAI", func(c *Config) *ProviderConfig { return &c.OpenAI })...)
	s = append(s, apiKeySpec("openai", "OPENAI", func(c *Config) *ProviderConfig { return &c.OpenAI }))
	s = append(s, providerSpecs("anthropic", "ANTHROPIC", func(c *Config) *ProviderConfig { return &c.Anthropic })...)
	s = append(s, apiKeySpec("anthropic", "ANTHROPIC", func(c *Config) *ProviderConfig { return &c.Anthropic }))
	s = append(s, providerSpecs("openrouter", "OPENROUTER", func(c *Config) *ProviderConfig { return &c.OpenRouter })...)
	s = append(s, apiKeySpec("openrouter", "OPENROUTER", func(c *Config) *ProviderConfig { return &c.OpenRouter }))
	s = append(s,
		keySpec{
			key: "provider.requests_per_second", typ: kFloat, env: "PCHAT_PROVIDER_REQUESTS_PER_SECOND",
			apply:   func(cfg *Config, v any) { cfg.Provider.RequestsPerSecond = v.(float64) },
			extract: func(cfg Config) any { return cfg.Provider.RequestsPerSecond },
		},
		keySpec{
			key: "retry.max_retries", typ: kInt, env: "PCHAT_RETRY_MAX_RETRIES",
			apply:   func(cfg *Config, v any) { cfg.Retry.MaxRetries = v.(int) },
			extract: func(cfg Config) any { return cfg.Retry.MaxRetries },
		},
		keySpec{
			key: "retry.base_delay", typ: kDuration, env: "PCHAT_RETRY_BASE_DELAY",
			apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
			extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
		},
		keySpec{
			key: "retry.max_delay", typ: kDuration, env: "PCHAT_RETRY_MAX_DELAY",
			apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(time.Duration) },
			extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
		},
		keySpec{
			key: "persist.debounce", typ: kDuration, env: "PCHAT_PERSIST_DEBOUNCE",
			apply:   func(cfg *Config, v any) { cfg.Persist.Debounce = v.(time.Duration) },
			extract: func(cfg Config) any { return cfg.Persist.Debounce },
		},
	)
	return s
}()

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
