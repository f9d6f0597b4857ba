package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kalambet/pocketchat/internal/chat"
)

const (
	DefaultAnthropicURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	defaultMaxTokens    = 4096
)

// Anthropic streams from the Messages API.
type Anthropic struct {
	apiKey    string
	baseURL   string
	maxTokens int
	opts      httpOptions
}

// NewAnthropic creates a client for the Anthropic API.
func NewAnthropic(apiKey, baseURL string, opts ...Option) *Anthropic {
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	return &Anthropic{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxTokens: defaultMaxTokens,
		opts:      buildHTTPOptions(opts),
	}
}

func (c *Anthropic) ID() chat.ProviderID { return chat.ProviderAnthropic }

type anthropicRequest struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	System    string         `json:"system,omitempty"`
	Messages  []chat.Message `json:"messages"`
	Stream    bool           `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Message struct {
		Model string `json:"model"`
	} `json:"message"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Anthropic) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta func(Delta)) (Reply, error) {
	reply := Reply{Model: model}
	if err := c.opts.wait(ctx); err != nil {
		return reply, err
	}

	system, rest := splitSystem(withoutPlaceholder(msgs))
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  rest,
		Stream:    true,
	})
	if err != nil {
		return reply, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return reply, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return reply, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reply, newStatusError(chat.ProviderAnthropic, resp)
	}

	var text, thinking strings.Builder
	stopped := false
	err = readSSE(resp.Body, func(_, data string) (bool, error) {
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, fmt.Errorf("decoding stream event: %w", err)
		}
		switch ev.Type {
		case "message_start":
			if ev.Message.Model != "" {
				reply.Model = ev.Message.Model
			}
		case "content_block_delta":
			var d Delta
			switch ev.Delta.Type {
			case "text_delta":
				d.Text = ev.Delta.Text
			case "thinking_delta":
				d.Thinking = ev.Delta.Thinking
			}
			text.WriteString(d.Text)
			thinking.WriteString(d.Thinking)
			if onDelta != nil && (d.Text != "" || d.Thinking != "") {
				onDelta(d)
			}
		case "message_stop":
			stopped = true
			return true, nil
		case "error":
			return false, &StreamError{Provider: chat.ProviderAnthropic, Type: ev.Error.Type, Message: ev.Error.Message}
		}
		return false, nil
	})
	reply.Text, reply.Thinking = text.String(), thinking.String()
	if err != nil {
		return reply, err
	}
	if !stopped {
		return reply, fmt.Errorf("anthropic stream ended before completion: %w", io.ErrUnexpectedEOF)
	}
	return reply, nil
}
