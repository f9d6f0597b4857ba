package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pocketchat/internal/chat"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string) (Config, error) {
	t.Helper()
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	cfg, err := loadFromPath(t, filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.Ollama.Model != "llama3.2" {
		t.Errorf("Ollama.Model = %q, want %q", cfg.Ollama.Model, "llama3.2")
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("Retry = %+v, want 3/1s/10s", cfg.Retry)
	}
	if cfg.Persist.Debounce != 100*time.Millisecond {
		t.Errorf("Persist.Debounce = %s, want 100ms", cfg.Persist.Debounce)
	}
	order, err := cfg.FallbackOrder()
	if err != nil {
		t.Fatalf("FallbackOrder: %v", err)
	}
	want := []chat.ProviderID{chat.ProviderLocal, chat.ProviderOpenAI, chat.ProviderAnthropic, chat.ProviderOpenRouter}
	if len(order) != len(want) {
		t.Fatalf("FallbackOrder = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("FallbackOrder[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

// TestTOMLParsing verifies that fields are read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	content := `
[server]
port = 5000

[storage]
data_dir = "/tmp/pocketchat-test"

[chat]
provider = "anthropic"
fallback = "openrouter"

[anthropic]
model = "claude-opus-4"

[provider]
requests_per_second = 0.5

[retry]
max_retries = 5
base_delay = "250ms"
max_delay = "4s"

[persist]
debounce = "300ms"
`
	cfg, err := loadFromPath(t, writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/pocketchat-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Anthropic.Model != "claude-opus-4" {
		t.Errorf("Anthropic.Model = %q", cfg.Anthropic.Model)
	}
	if cfg.Provider.RequestsPerSecond != 0.5 {
		t.Errorf("RequestsPerSecond = %g, want 0.5", cfg.Provider.RequestsPerSecond)
	}
	rp := cfg.RetryPolicy()
	if rp.MaxRetries != 5 || rp.BaseDelay != 250*time.Millisecond || rp.MaxDelay != 4*time.Second {
		t.Errorf("RetryPolicy = %+v", rp)
	}
	if cfg.Persist.Debounce != 300*time.Millisecond {
		t.Errorf("Persist.Debounce = %s", cfg.Persist.Debounce)
	}
	order, _ := cfg.FallbackOrder()
	if len(order) != 2 || order[0] != chat.ProviderAnthropic || order[1] != chat.ProviderOpenRouter {
		t.Errorf("FallbackOrder = %v, want [anthropic openrouter]", order)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `[ollama]
model = "file-model"
`)
	t.Setenv("PCHAT_OLLAMA_MODEL", "env-model")
	t.Setenv("PCHAT_OPENAI_API_KEY", "sk-env")
	t.Setenv("PCHAT_RETRY_BASE_DELAY", "2s")
	t.Setenv("PCHAT_RETRY_MAX_DELAY", "20s")

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ollama.Model != "env-model" {
		t.Errorf("Ollama.Model = %q, want %q", cfg.Ollama.Model, "env-model")
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("OpenAI.APIKey = %q, want %q", cfg.OpenAI.APIKey, "sk-env")
	}
	if cfg.Retry.BaseDelay != 2*time.Second {
		t.Errorf("Retry.BaseDelay = %s, want 2s", cfg.Retry.BaseDelay)
	}
}

// TestInvalidEnvIgnored verifies an unparseable override keeps the file value.
func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("PCHAT_SERVER_PORT", "not-a-port")
	cfg, err := loadFromPath(t, writeTempConfig(t, "[server]\nport = 4200\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
}

// TestSecretsIgnoredInFile verifies API keys are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	t.Setenv("PCHAT_ANTHROPIC_API_KEY", "")
	cfg, err := loadFromPath(t, writeTempConfig(t, "[anthropic]\napi_key = \"file-key\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Anthropic.APIKey != "" {
		t.Errorf("Anthropic.APIKey = %q, want empty", cfg.Anthropic.APIKey)
	}
}

// TestValidation verifies all invalid values are reported together.
func TestValidation(t *testing.T) {
	content := `
[chat]
provider = "gemini"

[retry]
base_delay = "5s"
max_delay = "1s"
`
	_, err := loadFromPath(t, writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"chat.provider", "max delay"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %q", err, want)
		}
	}
}

func TestMalformedFile(t *testing.T) {
	if _, err := loadFromPath(t, writeTempConfig(t, "[server\nport = ")); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestSetKeyRoundTrip verifies values written with setKey are read back by Load.
func TestSetKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatalf("newFileBackend: %v", err)
	}
	for key, value := range map[string]string{
		"server.port":                  "4300",
		"openrouter.model":             "meta-llama/llama-3.3-70b-instruct",
		"provider.requests_per_second": "1.5",
		"persist.debounce":             "250ms",
	} {
		if err := setKey(b, key, value); err != nil {
			t.Fatalf("setKey(%s): %v", key, err)
		}
	}

	cfg, err := loadFromPath(t, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 4300 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.OpenRouter.Model != "meta-llama/llama-3.3-70b-instruct" {
		t.Errorf("OpenRouter.Model = %q", cfg.OpenRouter.Model)
	}
	if cfg.Provider.RequestsPerSecond != 1.5 {
		t.Errorf("RequestsPerSecond = %g", cfg.Provider.RequestsPerSecond)
	}
	if cfg.Persist.Debounce != 250*time.Millisecond {
		t.Errorf("Persist.Debounce = %s", cfg.Persist.Debounce)
	}

	if err := b.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cfg, _ = loadFromPath(t, path)
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port after delete = %d, want default", cfg.Server.Port)
	}
}

func TestSetKeyRejects(t *testing.T) {
	b, _ := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))
	tests := []struct {
		key, value, want string
	}{
		{"nope.key", "x", "unknown config key"},
		{"openai.api_key", "sk", "cannot set secret"},
		{"server.port", "abc", "invalid integer"},
		{"retry.base_delay", "soon", "invalid duration"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%s, %s) = %v, want %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenAI.APIKey = "sk-secret"
	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Key, "api_key") || ki.Key == "server.token" || ki.Value == "sk-secret" {
			t.Errorf("ShowAll exposed %s", ki.Key)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree")
	}
}
