// Package api exposes stored chats over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ChatStore is the read side of chat storage plus deletion.
type ChatStore interface {
	Ping(ctx context.Context) error
	ListChats(ctx context.Context, limit int) ([]storage.Chat, error)
	GetChat(ctx context.Context, id int64) (storage.Chat, error)
	DeleteChat(ctx context.Context, id int64) error
}

type Deps struct {
	Store ChatStore
	Token string
}

// ChatSummary is the list view of a chat.
type ChatSummary struct {
	ID           int64           `json:"id"`
	Title        string          `json:"title"`
	Provider     chat.ProviderID `json:"provider"`
	Model        string          `json:"model"`
	MessageCount int             `json:"message_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ChatDetail is a chat with its full conversation.
type ChatDetail struct {
	ChatSummary
	Messages []chat.Message `json:"messages"`
	Thinking []string       `json:"thinking,omitempty"`
}

// Summarize converts a stored chat to its list view.
func Summarize(c storage.Chat) ChatSummary {
	return ChatSummary{
		ID:           c.ID,
		Title:        c.DisplayTitle(),
		Provider:     c.ProviderID,
		Model:        c.ModelID,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Detail converts a stored chat to its full view.
func Detail(c storage.Chat) ChatDetail {
	msgs := c.Messages
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return ChatDetail{ChatSummary: Summarize(c), Messages: msgs, Thinking: c.Thinking}
}

// NewHandler returns the HTTP API. /health is public; everything else
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/chats", handleListChats(deps))
		r.Get("/chats/{id}", handleGetChat(deps))
		r.Delete("/chats/{id}", handleDeleteChat(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "database unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleListChats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultListLimit, maxListLimit)
		if limit == 0 {
			limit = defaultListLimit
		}

		chats, err := deps.Store.ListChats(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list chats: %v", err)
			return
		}

		out := make([]ChatSummary, len(chats))
		for i, c := range chats {
			out[i] = Summarize(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := chatID(w, r)
		if !ok {
			return
		}

		c, err := deps.Store.GetChat(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get chat: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, Detail(c))
	}
}

func handleDeleteChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := chatID(w, r)
		if !ok {
			return
		}

		err := deps.Store.DeleteChat(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete chat: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "chat id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
