// Package errmsg turns raw errors into short messages fit for display.
package errmsg

import (
	"strings"

	"github.com/kalambet/pocketchat/internal/retry"
)

// Message is a human-readable rendition of an error.
type Message struct {
	Title       string
	Message     string
	Suggestions []string
}

// pattern matches specific failures more precisely than their category.
type pattern struct {
	keywords    []string
	title       string
	message     string
	suggestions []string
}

var patterns = []pattern{
	{
		keywords:    []string{"database is locked", "sqlite_busy"},
		title:       "Database Busy",
		message:     "The chat history database is in use by another process.",
		suggestions: []string{"Close other pocketchat instances", "Try saving again"},
	},
	{
		keywords:    []string{"disk is full", "no space left"},
		title:       "Disk Full",
		message:     "There is no space left to store the conversation.",
		suggestions: []string{"Free up disk space", "Delete old chats with 'pocketchat history rm'"},
	},
	{
		keywords:    []string{"model not found", "model_not_found", "does not exist"},
		title:       "Model Not Found",
		message:     "The selected model is not available on this provider.",
		suggestions: []string{"Check the model name", "For local models run 'ollama pull <model>'"},
	},
	{
		keywords:    []string{"context length", "maximum context", "too many tokens"},
		title:       "Conversation Too Long",
		message:     "The conversation exceeds the model's context window.",
		suggestions: []string{"Start a new chat", "Switch to a model with a larger context"},
	},
	{
		keywords:    []string{"connection refused"},
		title:       "Provider Not Running",
		message:     "Could not connect to the provider.",
		suggestions: []string{"For the local provider, start Ollama with 'ollama serve'", "Check the configured base URL"},
	},
}

var byCategory = map[retry.Category]Message{
	retry.CategoryNetwork: {
		Title:       "Connection Problem",
		Message:     "Could not reach the service. Check your internet connection.",
		Suggestions: []string{"Check your network connection", "Try again in a moment"},
	},
	retry.CategoryRateLimit: {
		Title:       "Rate Limited",
		Message:     "Too many requests were sent. Wait a moment before trying again.",
		Suggestions: []string{"Wait before retrying", "Switch to another provider"},
	},
	retry.CategoryServerError: {
		Title:       "Service Error",
		Message:     "The service had a problem handling the request.",
		Suggestions: []string{"Try again shortly"},
	},
	retry.CategoryTimeout: {
		Title:       "Request Timed Out",
		Message:     "The request took too long to complete.",
		Suggestions: []string{"Try again", "Use a smaller model"},
	},
	retry.CategoryAuthentication: {
		Title:       "Authentication Failed",
		Message:     "The API key was rejected by the provider.",
		Suggestions: []string{"Check the provider API key environment variable", "Switch to another provider"},
	},
}

// Humanize returns a display message for err.
func Humanize(err error) Message {
	if err == nil {
		return Message{}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, k := range p.keywords {
			if strings.Contains(lower, k) {
				return Message{Title: p.title, Message: p.message, Suggestions: p.suggestions}
			}
		}
	}

	if m, ok := byCategory[retry.Classify(err).Category]; ok {
		return m
	}
	return Message{
		Title:   "Something Went Wrong",
		Message: firstLine(err.Error()),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "An unexpected error occurred."
	}
	return s
}
