package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pocketchat/internal/api"
	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/config"
	"github.com/kalambet/pocketchat/internal/provider"
	"github.com/kalambet/pocketchat/internal/session"
	"github.com/kalambet/pocketchat/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"chat not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func loadTestConfig(t *testing.T, content string, env map[string]string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PCHAT_CONFIG_FILE", path)
	for _, k := range []string{"PCHAT_OPENAI_API_KEY", "PCHAT_ANTHROPIC_API_KEY", "PCHAT_OPENROUTER_API_KEY", "PCHAT_SERVER_TOKEN", "PCHAT_CHAT_PROVIDER", "PCHAT_CHAT_FALLBACK"} {
		t.Setenv(k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestBuildProvidersLocalOnly(t *testing.T) {
	cfg := loadTestConfig(t, "", nil)

	set, err := buildProviders(cfg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	got := set.Configured()
	if len(got) != 1 || got[0] != chat.ProviderLocal {
		t.Fatalf("Configured = %v, want [local]", got)
	}
	if m := set.DefaultModel(chat.ProviderLocal); m != "llama3.2" {
		t.Errorf("DefaultModel(local) = %q, want llama3.2", m)
	}
}

func TestBuildProvidersWithKeys(t *testing.T) {
	cfg := loadTestConfig(t, "", map[string]string{
		"PCHAT_ANTHROPIC_API_KEY":  "sk-ant",
		"PCHAT_OPENROUTER_API_KEY": "sk-or",
	})
	cfg.Chat.Provider = "anthropic"

	set, err := buildProviders(cfg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	want := []chat.ProviderID{chat.ProviderAnthropic, chat.ProviderLocal, chat.ProviderOpenRouter}
	got := set.Configured()
	if len(got) != len(want) {
		t.Fatalf("Configured = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Configured[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if next, ok := set.Next(chat.ProviderAnthropic); !ok || next != chat.ProviderLocal {
		t.Errorf("Next(anthropic) = %q, %v; want local", next, ok)
	}
}

func TestBuildProvidersNoneReachable(t *testing.T) {
	cfg := loadTestConfig(t, "[chat]\nprovider = \"openai\"\nfallback = \"openai\"\n", nil)
	if _, err := buildProviders(cfg); err == nil {
		t.Fatal("expected error when no provider is configured")
	}
}

func TestNewAPIClientRequiresToken(t *testing.T) {
	cfg := loadTestConfig(t, "", nil)
	if _, err := newAPIClient(cfg); err == nil {
		t.Fatal("expected error without a server token")
	}

	cfg = loadTestConfig(t, "[server]\nport = 4321\n", map[string]string{"PCHAT_SERVER_TOKEN": "tok"})
	c, err := newAPIClient(cfg)
	if err != nil {
		t.Fatalf("newAPIClient: %v", err)
	}
	if c.baseURL != "http://127.0.0.1:4321" || c.token != "tok" {
		t.Errorf("client = %+v", c)
	}
}

func TestRemoteHistory(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /chats":      `[{"id":3,"title":"Capitals","provider":"local","model":"llama3.2","message_count":2}]`,
		"GET /chats/3":    `{"id":3,"title":"Capitals","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`,
		"DELETE /chats/3": `{"status":"deleted"}`,
	})
	h := remoteHistory{client: ts.client()}

	list, err := h.List(ctx, 5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != 3 || list[0].Title != "Capitals" {
		t.Errorf("List = %+v", list)
	}

	c, err := h.Get(ctx, 3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(c.Messages) != 2 || c.Messages[1].Content != "hello" {
		t.Errorf("Get = %+v", c)
	}

	if err := h.Delete(ctx, 3); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := h.Get(ctx, 9); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Get(9) error = %v, want 404", err)
	}

	if len(ts.requests) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/chats?limit=5" {
		t.Errorf("path = %q, want /chats?limit=5", ts.requests[0].Path)
	}
	for _, r := range ts.requests {
		if r.Auth != "Bearer test-token" {
			t.Errorf("%s %s: auth = %q", r.Method, r.Path, r.Auth)
		}
	}
}

func TestServerNotRunning(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "x", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/chats")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestLocalHistory(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	h := localHistory{store: store}
	defer h.Close()

	title := "Trip"
	id, err := store.InsertChat(ctx, storage.ChatInput{
		Title: &title,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "Where to?"},
			{Role: chat.RoleAssistant, Content: "Porto"},
		},
		Thinking:   []string{"Consider the coast."},
		ProviderID: chat.ProviderLocal,
		ModelID:    "llama3.2",
	})
	if err != nil {
		t.Fatalf("InsertChat: %v", err)
	}

	list, err := h.List(ctx, 10)
	if err != nil || len(list) != 1 || list[0].Title != "Trip" {
		t.Fatalf("List = %+v, %v", list, err)
	}

	c, err := h.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	writeChat(&buf, c)
	out := buf.String()
	for _, want := range []string{"Trip", "you: Where to?", "Consider the coast.", "assistant: Porto"} {
		if !strings.Contains(out, want) {
			t.Errorf("writeChat output missing %q:\n%s", want, out)
		}
	}

	if err := h.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestWriteChatList(t *testing.T) {
	var buf bytes.Buffer
	writeChatList(&buf, []api.ChatSummary{
		{ID: 7, Title: "Untitled", Provider: chat.ProviderOpenAI, Model: "gpt-4o-mini", MessageCount: 4, UpdatedAt: time.Now()},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header plus 1", len(lines))
	}
	if !strings.HasPrefix(lines[1], "7 ") || !strings.Contains(lines[1], "openai/gpt-4o-mini") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestParseChatID(t *testing.T) {
	if id, err := parseChatID("12"); err != nil || id != 12 {
		t.Errorf("parseChatID(12) = %d, %v", id, err)
	}
	for _, s := range []string{"0", "-4", "abc", ""} {
		if _, err := parseChatID(s); err == nil {
			t.Errorf("parseChatID(%q) expected error", s)
		}
	}
}

// fakeSession records what the chat loop asks of it.
type fakeSession struct {
	sent    []string
	retries int
	titles  []string
	saves   int
	sendErr error
}

func (f *fakeSession) Send(ctx context.Context, prompt string) (provider.Reply, error) {
	f.sent = append(f.sent, prompt)
	return provider.Reply{Text: "ok"}, f.sendErr
}

func (f *fakeSession) Retry(ctx context.Context) (provider.Reply, error) {
	f.retries++
	return provider.Reply{}, nil
}

func (f *fakeSession) Rename(title string) { f.titles = append(f.titles, title) }

func (f *fakeSession) Save(ctx context.Context) { f.saves++ }

func (f *fakeSession) Provider() (chat.ProviderID, string) { return chat.ProviderLocal, "llama3.2" }

func noInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

func TestRunChatLoop(t *testing.T) {
	s := &fakeSession{}
	var out, errOut bytes.Buffer
	ui := newChatUI(&out, &errOut)

	in := strings.NewReader("hello\n\n/title Road trip\n/save\n/retry\n/bogus\n/quit\nnever sent\n")
	if err := runChatLoop(ctx, s, in, ui, noInterrupt); err != nil {
		t.Fatalf("runChatLoop: %v", err)
	}

	if len(s.sent) != 1 || s.sent[0] != "hello" {
		t.Errorf("sent = %q, want [hello]", s.sent)
	}
	if len(s.titles) != 1 || s.titles[0] != "Road trip" {
		t.Errorf("titles = %q", s.titles)
	}
	if s.saves != 1 || s.retries != 1 {
		t.Errorf("saves = %d, retries = %d; want 1, 1", s.saves, s.retries)
	}
	if !strings.Contains(errOut.String(), "unknown command /bogus") {
		t.Errorf("stderr = %q, want unknown command notice", errOut.String())
	}
}

func TestRunChatLoopShowsFriendlyError(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	s := &fakeSession{sendErr: &provider.StatusError{Provider: chat.ProviderOpenAI, Code: 401, Body: "bad key"}}
	var out, errOut bytes.Buffer
	if err := runChatLoop(ctx, s, strings.NewReader("hi\n"), newChatUI(&out, &errOut), noInterrupt); err != nil {
		t.Fatalf("runChatLoop: %v", err)
	}
	if !strings.Contains(errOut.String(), "/retry") {
		t.Errorf("stderr = %q, want retry hint", errOut.String())
	}
	if strings.Contains(errOut.String(), "bad key") {
		t.Errorf("stderr leaked raw body: %q", errOut.String())
	}

	errOut.Reset()
	s.sendErr = session.ErrEmptyPrompt
	runChatLoop(ctx, s, strings.NewReader("hi\n"), newChatUI(&out, &errOut), noInterrupt)
	if !strings.Contains(errOut.String(), "prompt is empty") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestChatUIDelta(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out, errOut bytes.Buffer
	ui := newChatUI(&out, &errOut)
	ui.current = chat.ProviderLocal

	ui.delta(chat.ProviderLocal, provider.Delta{Thinking: "hmm"})
	ui.delta(chat.ProviderLocal, provider.Delta{Text: "Lis"})
	ui.delta(chat.ProviderOpenAI, provider.Delta{Text: "bon"})

	if got := out.String(); got != "hmm\nLisbon" {
		t.Errorf("out = %q, want %q", got, "hmm\nLisbon")
	}
	if !strings.Contains(errOut.String(), "switched to openai") {
		t.Errorf("stderr = %q, want provider switch notice", errOut.String())
	}
}

type fakeOllama struct {
	running bool
	models  map[string]bool
	pulled  []string
}

func (f *fakeOllama) IsRunning(context.Context) bool { return f.running }

func (f *fakeOllama) HasModel(_ context.Context, name string) bool { return f.models[name] }

func (f *fakeOllama) PullModel(_ context.Context, name string, onProgress func(provider.PullProgress)) error {
	f.pulled = append(f.pulled, name)
	onProgress(provider.PullProgress{Status: "pulling manifest"})
	onProgress(provider.PullProgress{Status: "pulling manifest"})
	onProgress(provider.PullProgress{Status: "success"})
	return nil
}

func TestEnsureLocalModel(t *testing.T) {
	var w bytes.Buffer

	stopped := &fakeOllama{}
	if err := ensureLocalModel(ctx, stopped, "llama3.2", &w); err != nil {
		t.Fatalf("stopped: %v", err)
	}
	if !strings.Contains(w.String(), "not running") {
		t.Errorf("output = %q, want not running warning", w.String())
	}

	ready := &fakeOllama{running: true, models: map[string]bool{"llama3.2": true}}
	if err := ensureLocalModel(ctx, ready, "llama3.2", &w); err != nil || len(ready.pulled) != 0 {
		t.Errorf("ready: err = %v, pulled = %v", err, ready.pulled)
	}

	w.Reset()
	missing := &fakeOllama{running: true}
	if err := ensureLocalModel(ctx, missing, "qwen3", &w); err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing.pulled) != 1 || missing.pulled[0] != "qwen3" {
		t.Errorf("pulled = %v", missing.pulled)
	}
	if n := strings.Count(w.String(), "pulling manifest"); n != 1 {
		t.Errorf("progress lines = %d, want repeated statuses collapsed", n)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServeLifecycle(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	addr := freeAddr(t)
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- serve(sctx, addr, api.Deps{Store: store, Token: "tok"}, nil, nil) }()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestServeAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	err = serve(ctx, ln.Addr().String(), api.Deps{}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "listening on") {
		t.Errorf("serve error = %v, want listen failure", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100, 100) = %q", got)
	}
	if got := countLabel(3, 100); got != "3" {
		t.Errorf("countLabel(3, 100) = %q", got)
	}
}
