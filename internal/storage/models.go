package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kalambet/pocketchat/internal/chat"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ChatInput is the writable part of a chat record.
type ChatInput struct {
	Title            *string // nil means untitled
	Messages         []chat.Message
	Thinking         []string
	ProviderID       chat.ProviderID
	ModelID          string
	ProviderMetadata json.RawMessage // optional, stored as "{}" when empty
}

type Chat struct {
	ID int64
	ChatInput
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayTitle returns the title or a fallback for untitled chats.
func (c Chat) DisplayTitle() string {
	if c.Title == nil || *c.Title == "" {
		return "Untitled"
	}
	return *c.Title
}
