// Package chat holds the values shared by the provider clients, the chat
// session and the persistence layer.
package chat

import (
	"fmt"
	"strings"
)

// Placeholder is the assistant content shown while a reply is still pending.
const Placeholder = "..."

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamState is the lifecycle of the reply currently being generated.
type StreamState string

const (
	StreamIdle      StreamState = "idle"
	StreamStreaming StreamState = "streaming"
	StreamCompleted StreamState = "completed"
	StreamError     StreamState = "error"
	StreamCancelled StreamState = "cancelled"
)

// Terminal reports whether the stream will not resume without a new prompt.
func (s StreamState) Terminal() bool {
	return s == StreamCompleted || s == StreamError || s == StreamCancelled
}

// ProviderID names one of the supported generation backends.
type ProviderID string

const (
	ProviderLocal      ProviderID = "local"
	ProviderOpenAI     ProviderID = "openai"
	ProviderAnthropic  ProviderID = "anthropic"
	ProviderOpenRouter ProviderID = "openrouter"
)

// Providers lists every known provider in default fallback order.
var Providers = []ProviderID{ProviderLocal, ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter}

// ParseProviderID validates s against the known providers.
func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range Providers {
		if p == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// LastAssistant returns the content of the most recent assistant message.
func LastAssistant(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// HasMeaningfulReply reports whether the latest assistant message carries
// real content rather than nothing or the pending placeholder.
func HasMeaningfulReply(msgs []Message) bool {
	content, ok := LastAssistant(msgs)
	if !ok {
		return false
	}
	content = strings.TrimSpace(content)
	return content != "" && content != Placeholder
}
