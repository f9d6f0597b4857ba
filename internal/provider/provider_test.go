package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/retry"
)

func testConversation() []chat.Message {
	return []chat.Message{
		{Role: chat.RoleSystem, Content: "Be brief."},
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: chat.Placeholder},
	}
}

func collect(deltas *[]Delta) func(Delta) {
	return func(d Delta) { *deltas = append(*deltas, d) }
}

func TestOpenAIStream(t *testing.T) {
	sseData := "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n" +
		"data: [DONE]\n\n"

	var gotAuth string
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseData)
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL)
	var deltas []Delta
	reply, err := c.Stream(context.Background(), "gpt-4o-mini", testConversation(), collect(&deltas))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reply.Text != "Hello world" {
		t.Errorf("Text = %q, want %q", reply.Text, "Hello world")
	}
	if len(deltas) != 2 {
		t.Errorf("len(deltas) = %d, want 2", len(deltas))
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-key")
	}
	if !gotReq.Stream || len(gotReq.Messages) != 2 {
		t.Errorf("request = %+v, want stream with placeholder dropped", gotReq)
	}
}

func TestOpenRouterHeaders(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer, title = r.Header.Get("HTTP-Referer"), r.Header.Get("X-Title")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenRouter("k", srv.URL)
	if c.ID() != chat.ProviderOpenRouter {
		t.Errorf("ID = %q, want openrouter", c.ID())
	}
	if _, err := c.Stream(context.Background(), "m", testConversation(), nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if referer == "" || title != "pocketchat" {
		t.Errorf("headers referer=%q title=%q", referer, title)
	}
}

func TestOpenAIStatusErrorClassifies(t *testing.T) {
	tests := []struct {
		code int
		want retry.Category
	}{
		{http.StatusTooManyRequests, retry.CategoryRateLimit},
		{http.StatusUnauthorized, retry.CategoryAuthentication},
		{http.StatusServiceUnavailable, retry.CategoryServerError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(tt.code)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
		}))

		_, err := NewOpenAI("k", srv.URL).Stream(context.Background(), "m", testConversation(), nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: err = %v, want *StatusError", tt.code, err)
		}
		if se.RetryAfter != 3*time.Second {
			t.Errorf("RetryAfter = %s, want 3s", se.RetryAfter)
		}
		cl := retry.Classify(err)
		if cl.Category != tt.want {
			t.Errorf("status %d classified as %q, want %q", tt.code, cl.Category, tt.want)
		}
		if tt.want == retry.CategoryRateLimit && cl.RetryAfter != 3*time.Second {
			t.Errorf("classification RetryAfter = %s, want 3s", cl.RetryAfter)
		}
		if tt.want != retry.CategoryRateLimit && cl.RetryAfter != 0 {
			t.Errorf("status %d: RetryAfter = %s, want only rate limits to carry it", tt.code, cl.RetryAfter)
		}
	}
}

func TestOpenAIStreamCutShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Par\"}}]}\n\n")
	}))
	defer srv.Close()

	reply, err := NewOpenAI("k", srv.URL).Stream(context.Background(), "m", testConversation(), nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
	if reply.Text != "Par" {
		t.Errorf("partial Text = %q, want %q", reply.Text, "Par")
	}
	if got := retry.Classify(err).Category; got != retry.CategoryNetwork {
		t.Errorf("classified as %q, want network", got)
	}
}

func TestAnthropicStream(t *testing.T) {
	sseData := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4"}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"greeting"}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hi there"}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	var gotReq anthropicRequest
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, gotVersion = r.Header.Get("x-api-key"), r.Header.Get("anthropic-version")
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, sseData)
	}))
	defer srv.Close()

	reply, err := NewAnthropic("ak", srv.URL).Stream(context.Background(), "claude", testConversation(), nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reply.Text != "Hi there" || reply.Thinking != "greeting" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q, want claude-sonnet-4", reply.Model)
	}
	if gotKey != "ak" || gotVersion != anthropicVersion {
		t.Errorf("headers key=%q version=%q", gotKey, gotVersion)
	}
	if gotReq.System != "Be brief." || len(gotReq.Messages) != 1 {
		t.Errorf("request system=%q messages=%d, want system split out", gotReq.System, len(gotReq.Messages))
	}
}

func TestAnthropicErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	_, err := NewAnthropic("ak", srv.URL).Stream(context.Background(), "claude", testConversation(), nil)
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StreamError", err)
	}
	if got := retry.Classify(err).Category; got != retry.CategoryServerError {
		t.Errorf("classified as %q, want server_error", got)
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest"}]}`)
		case "/api/chat":
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":"Hel"},"done":false}`)
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":"lo"},"done":false}`)
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllama(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Fatal("IsRunning = false")
	}
	if !c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = false, want true")
	}

	var deltas []Delta
	reply, err := c.Stream(context.Background(), "llama3.2", testConversation(), collect(&deltas))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reply.Text != "Hello" {
		t.Errorf("Text = %q, want Hello", reply.Text)
	}
	if len(deltas) != 2 {
		t.Errorf("len(deltas) = %d, want 2", len(deltas))
	}
}

func TestOllamaErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"Par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model runner has unexpectedly stopped"}`)
	}))
	defer srv.Close()

	reply, err := NewOllama(srv.URL).Stream(context.Background(), "llama3.2", testConversation(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if reply.Text != "Par" {
		t.Errorf("partial Text = %q, want Par", reply.Text)
	}
}

func TestOllamaNotRunning(t *testing.T) {
	c := NewOllama("http://127.0.0.1:1")
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning = true for closed port")
	}
	_, err := c.Stream(context.Background(), "m", testConversation(), nil)
	if got := retry.Classify(err).Category; got != retry.CategoryNetwork {
		t.Errorf("classified as %q, want network", got)
	}
}

func TestRateLimitPacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAI("k", srv.URL, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Stream(context.Background(), "m", testConversation(), nil); err != nil {
			t.Fatalf("Stream: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 requests at 20/s took %s, want >= ~100ms", elapsed)
	}
}

type stubProvider struct{ id chat.ProviderID }

func (s stubProvider) ID() chat.ProviderID { return s.id }
func (s stubProvider) Stream(context.Context, string, []chat.Message, func(Delta)) (Reply, error) {
	return Reply{}, nil
}

func TestSetFallbackOrder(t *testing.T) {
	s := NewSet(chat.ProviderAnthropic, chat.ProviderLocal, chat.ProviderOpenAI)
	s.Add(stubProvider{chat.ProviderLocal}, "llama3.2")
	s.Add(stubProvider{chat.ProviderOpenAI}, "gpt-4o-mini")
	s.Add(stubProvider{chat.ProviderOpenRouter}, "openrouter/auto")

	want := []chat.ProviderID{chat.ProviderLocal, chat.ProviderOpenAI, chat.ProviderOpenRouter}
	if got := s.Configured(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Configured = %v, want %v", got, want)
	}
	if next, ok := s.Next(chat.ProviderLocal); !ok || next != chat.ProviderOpenAI {
		t.Errorf("Next(local) = %q, %v; want openai", next, ok)
	}
	if _, ok := s.Next(want...); ok {
		t.Error("Next after all providers should report false")
	}
	if _, err := s.Get(chat.ProviderAnthropic); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(anthropic) = %v, want ErrUnknownProvider", err)
	}
	if m := s.DefaultModel(chat.ProviderOpenAI); m != "gpt-4o-mini" {
		t.Errorf("DefaultModel = %q", m)
	}
}
