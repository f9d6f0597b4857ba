package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/storage"
)

// Snapshot is an immutable description of what should be persisted for a
// chat at one point in time.
type Snapshot struct {
	Key       string
	ChatScope string
	Messages  []chat.Message
	Thinking  []string
	Title     *string
	Provider  chat.ProviderID
	Model     string

	scope *scopeState
}

// keyMaterial is hashed to produce a snapshot key. Field order is fixed by
// the struct so the JSON encoding is canonical.
type keyMaterial struct {
	Identity string          `json:"identity"`
	Title    *string         `json:"title"`
	Provider chat.ProviderID `json:"provider"`
	Model    string          `json:"model"`
	Messages []chat.Message  `json:"messages"`
	Thinking []string        `json:"thinking"`
}

// snapshotKey hashes the persisted content together with the chat identity.
// Two snapshots of the same chat with equal content share a key.
func snapshotKey(identity string, title *string, provider chat.ProviderID, model string, msgs []chat.Message, thinking []string) string {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	if thinking == nil {
		thinking = []string{}
	}
	material, err := json.Marshal(keyMaterial{
		Identity: identity,
		Title:    title,
		Provider: provider,
		Model:    model,
		Messages: msgs,
		Thinking: thinking,
	})
	if err != nil {
		// Only plain strings are encoded; this cannot fail.
		panic(fmt.Sprintf("persist: encoding snapshot key: %v", err))
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// normalizeTitle trims the title; a blank title means untitled.
func normalizeTitle(title *string) *string {
	if title == nil {
		return nil
	}
	t := strings.TrimSpace(*title)
	if t == "" {
		return nil
	}
	return &t
}

func newSnapshot(in Inputs, sc *scopeState) Snapshot {
	title := normalizeTitle(in.Title)
	msgs := slices.Clone(in.Messages)
	thinking := slices.Clone(in.Thinking)
	return Snapshot{
		Key:       snapshotKey(sc.identity(), title, in.Provider, in.Model, msgs, thinking),
		ChatScope: sc.route,
		Messages:  msgs,
		Thinking:  thinking,
		Title:     title,
		Provider:  in.Provider,
		Model:     in.Model,
		scope:     sc,
	}
}

// keyWithIdentity recomputes the key as if the snapshot had been built for identity.
func (s Snapshot) keyWithIdentity(identity string) string {
	return snapshotKey(identity, s.Title, s.Provider, s.Model, s.Messages, s.Thinking)
}

func (s Snapshot) chatInput() storage.ChatInput {
	return storage.ChatInput{
		Title:      s.Title,
		Messages:   s.Messages,
		Thinking:   s.Thinking,
		ProviderID: s.Provider,
		ModelID:    s.Model,
	}
}
