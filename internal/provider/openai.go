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
	DefaultOpenAIURL     = "https://api.openai.com/v1"
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"
)

// OpenAI streams from an OpenAI-compatible /chat/completions endpoint.
// The same client serves OpenAI and OpenRouter.
type OpenAI struct {
	id      chat.ProviderID
	apiKey  string
	baseURL string
	headers map[string]string
	opts    httpOptions
}

// NewOpenAI creates a client for the OpenAI API.
func NewOpenAI(apiKey, baseURL string, opts ...Option) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return &OpenAI{
		id:      chat.ProviderOpenAI,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    buildHTTPOptions(opts),
	}
}

// NewOpenRouter creates a client for OpenRouter, which speaks the OpenAI
// protocol and asks callers to identify their application.
func NewOpenRouter(apiKey, baseURL string, opts ...Option) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	c := NewOpenAI(apiKey, baseURL, opts...)
	c.id = chat.ProviderOpenRouter
	c.headers = map[string]string{
		"HTTP-Referer": "https://github.com/kalambet/pocketchat",
		"X-Title":      "pocketchat",
	}
	return c
}

func (c *OpenAI) ID() chat.ProviderID { return c.id }

type openAIRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

type openAIChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenAI) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta func(Delta)) (Reply, error) {
	reply := Reply{Model: model}
	if err := c.opts.wait(ctx); err != nil {
		return reply, err
	}

	body, err := json.Marshal(openAIRequest{Model: model, Messages: withoutPlaceholder(msgs), Stream: true})
	if err != nil {
		return reply, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return reply, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return reply, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reply, newStatusError(c.id, resp)
	}

	var text, thinking strings.Builder
	sawDone := false
	err = readSSE(resp.Body, func(_, data string) (bool, error) {
		if data == "[DONE]" {
			sawDone = true
			return true, nil
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return false, &StreamError{Provider: c.id, Type: chunk.Error.Type, Message: chunk.Error.Message}
		}
		if chunk.Model != "" {
			reply.Model = chunk.Model
		}
		for _, ch := range chunk.Choices {
			d := Delta{Text: ch.Delta.Content, Thinking: ch.Delta.Reasoning}
			text.WriteString(d.Text)
			thinking.WriteString(d.Thinking)
			if onDelta != nil && (d.Text != "" || d.Thinking != "") {
				onDelta(d)
			}
		}
		return false, nil
	})
	reply.Text, reply.Thinking = text.String(), thinking.String()
	if err != nil {
		return reply, err
	}
	if !sawDone {
		return reply, fmt.Errorf("%s stream ended before completion: %w", c.id, io.ErrUnexpectedEOF)
	}
	return reply, nil
}

func (c *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}
