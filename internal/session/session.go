// Package session runs one conversation: it sends prompts to a provider
// under the recovery policy, falls back to other providers when a failure
// calls for it, and keeps the persistence controller informed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/persist"
	"github.com/kalambet/pocketchat/internal/provider"
	"github.com/kalambet/pocketchat/internal/recovery"
	"github.com/kalambet/pocketchat/internal/retry"
	"github.com/kalambet/pocketchat/internal/storage"
)

// NewScope is the chat scope of a conversation that has not been stored yet.
const NewScope = "new"

var (
	ErrEmptyPrompt    = errors.New("prompt is empty")
	ErrBusy           = errors.New("a reply is already being generated")
	ErrNothingToRetry = errors.New("no failed reply to retry")
)

// Store loads stored chats.
type Store interface {
	GetChat(ctx context.Context, id int64) (storage.Chat, error)
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Providers *provider.Set
	Store     Store
	Recovery  *recovery.Controller
	Persist   *persist.Controller
	Logger    *slog.Logger
}

// Options select the chat and the model to talk to.
type Options struct {
	// ChatScope is NewScope or the id of a stored chat.
	ChatScope string
	Provider  chat.ProviderID
	Model     string
	Title     *string
	System    string
	// OnDelta receives every streamed increment of a reply.
	OnDelta func(chat.ProviderID, provider.Delta)
}

// Session is a single conversation. Its methods are safe for concurrent
// use, but only one reply is generated at a time.
type Session struct {
	deps    Deps
	logger  *slog.Logger
	onDelta func(chat.ProviderID, provider.Delta)

	mu       sync.Mutex
	scope    string
	provider chat.ProviderID
	model    string
	title    *string
	messages []chat.Message
	thinking []string
	stream   chat.StreamState
}

// New creates a Session. The provider defaults to the first configured one
// and the model to that provider's default.
func New(deps Deps, opts Options) (*Session, error) {
	if deps.Providers == nil {
		return nil, errors.New("session: no providers")
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.New(retry.DefaultConfig())
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	id := opts.Provider
	if id == "" {
		configured := deps.Providers.Configured()
		if len(configured) == 0 {
			return nil, provider.ErrUnknownProvider
		}
		id = configured[0]
	}
	if _, err := deps.Providers.Get(id); err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = deps.Providers.DefaultModel(id)
	}
	scope := opts.ChatScope
	if scope == "" {
		scope = NewScope
	}

	s := &Session{
		deps:     deps,
		logger:   deps.Logger.With("session", uuid.NewString()),
		onDelta:  opts.OnDelta,
		scope:    scope,
		provider: id,
		model:    model,
		title:    opts.Title,
		stream:   chat.StreamIdle,
	}
	if sys := strings.TrimSpace(opts.System); sys != "" {
		s.messages = []chat.Message{{Role: chat.RoleSystem, Content: sys}}
	}
	return s, nil
}

// Load replaces the conversation with the stored chat id.
func (s *Session) Load(ctx context.Context, id int64) error {
	if s.deps.Store == nil {
		return errors.New("session: no store")
	}
	c, err := s.deps.Store.GetChat(ctx, id)
	if err != nil {
		return fmt.Errorf("loading chat %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == chat.StreamStreaming {
		return ErrBusy
	}
	s.scope = strconv.FormatInt(c.ID, 10)
	s.messages = slices.Clone(c.Messages)
	s.thinking = slices.Clone(c.Thinking)
	s.title = c.Title
	s.stream = chat.StreamIdle
	if _, err := s.deps.Providers.Get(c.ProviderID); err == nil {
		s.provider = c.ProviderID
		s.model = c.ModelID
		if s.model == "" {
			s.model = s.deps.Providers.DefaultModel(c.ProviderID)
		}
	} else {
		s.logger.Warn("stored provider not configured, keeping current",
			"chat_id", c.ID, "stored", c.ProviderID, "current", s.provider)
	}
	s.deps.Recovery.Reset()
	if s.deps.Persist != nil {
		s.deps.Persist.MarkPersisted(s.inputsLocked())
	}
	return nil
}

// Send appends prompt and generates a reply. The returned error is the
// final failure after retries and fallbacks; partial content stays in the
// conversation either way.
func (s *Session) Send(ctx context.Context, prompt string) (provider.Reply, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return provider.Reply{}, ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.stream == chat.StreamStreaming {
		s.mu.Unlock()
		return provider.Reply{}, ErrBusy
	}
	s.messages = append(s.messages,
		chat.Message{Role: chat.RoleUser, Content: prompt},
		chat.Message{Role: chat.RoleAssistant, Content: chat.Placeholder},
	)
	s.thinking = append(s.thinking, "")
	s.stream = chat.StreamStreaming
	s.pushLocked()
	s.mu.Unlock()

	return s.generate(ctx)
}

// Retry generates a new reply to the last prompt after a failed or
// cancelled one.
func (s *Session) Retry(ctx context.Context) (provider.Reply, error) {
	s.mu.Lock()
	n := len(s.messages)
	if (s.stream != chat.StreamError && s.stream != chat.StreamCancelled) ||
		n < 2 || s.messages[n-1].Role != chat.RoleAssistant || s.messages[n-2].Role != chat.RoleUser {
		s.mu.Unlock()
		return provider.Reply{}, ErrNothingToRetry
	}
	s.messages[n-1].Content = chat.Placeholder
	if len(s.thinking) > 0 {
		s.thinking[len(s.thinking)-1] = ""
	}
	s.stream = chat.StreamStreaming
	s.pushLocked()
	s.mu.Unlock()

	return s.generate(ctx)
}

func (s *Session) generate(ctx context.Context) (provider.Reply, error) {
	var tried []chat.ProviderID
	for {
		s.mu.Lock()
		id, model := s.provider, s.model
		s.mu.Unlock()

		p, err := s.deps.Providers.Get(id)
		if err != nil {
			s.finish(chat.StreamError)
			return provider.Reply{}, err
		}

		res := recovery.ExecuteWithRecovery(ctx, s.deps.Recovery, func(ctx context.Context) (provider.Reply, error) {
			s.resetReply()
			history := s.Messages()
			return p.Stream(ctx, model, history, func(d provider.Delta) { s.applyDelta(id, d) })
		})

		if res.Success {
			s.logger.Info("reply completed", "provider", id, "model", res.Data.Model, "attempts", res.Attempts)
			s.finish(chat.StreamCompleted)
			return res.Data, nil
		}
		if ctx.Err() != nil {
			s.finish(chat.StreamCancelled)
			return res.Data, ctx.Err()
		}

		tried = append(tried, id)
		if res.ShouldFallback {
			if next, ok := s.deps.Providers.Next(tried...); ok {
				s.logger.Warn("provider failed, falling back",
					"from", id, "to", next, "category", res.Error.Category, "error", res.Cause)
				s.mu.Lock()
				s.provider = next
				s.model = s.deps.Providers.DefaultModel(next)
				s.mu.Unlock()
				continue
			}
		}

		s.logger.Error("reply failed", "provider", id, "attempts", res.Attempts, "error", res.Cause)
		s.finish(chat.StreamError)
		return res.Data, res.Cause
	}
}

// resetReply clears whatever a previous attempt streamed.
func (s *Session) resetReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == chat.RoleAssistant {
		s.messages[n-1].Content = chat.Placeholder
	}
	if n := len(s.thinking); n > 0 {
		s.thinking[n-1] = ""
	}
	s.pushLocked()
}

func (s *Session) applyDelta(id chat.ProviderID, d provider.Delta) {
	s.mu.Lock()
	if n := len(s.messages); n > 0 && d.Text != "" {
		last := &s.messages[n-1]
		if last.Content == chat.Placeholder {
			last.Content = ""
		}
		last.Content += d.Text
	}
	if n := len(s.thinking); n > 0 {
		s.thinking[n-1] += d.Thinking
	}
	s.pushLocked()
	s.mu.Unlock()

	if s.onDelta != nil {
		s.onDelta(id, d)
	}
}

func (s *Session) finish(state chat.StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == chat.StreamCompleted {
		if n := len(s.messages); n > 0 && s.messages[n-1].Content == chat.Placeholder {
			s.messages[n-1].Content = ""
		}
	}
	s.stream = state
	s.pushLocked()
}

// Rename sets the title; a blank title clears it.
func (s *Session) Rename(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := strings.TrimSpace(title); t != "" {
		s.title = &t
	} else {
		s.title = nil
	}
	s.pushLocked()
}

// Save writes the conversation now and waits for the write to settle.
func (s *Session) Save(ctx context.Context) {
	if s.deps.Persist != nil {
		s.deps.Persist.TriggerSave(ctx)
	}
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Thinking returns the reasoning captured for each reply.
func (s *Session) Thinking() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.thinking)
}

// Provider returns the provider and model the next reply will use.
func (s *Session) Provider() (chat.ProviderID, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider, s.model
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.title == nil {
		return ""
	}
	return *s.title
}

// Scope returns the chat scope the session persists under.
func (s *Session) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

func (s *Session) Stream() chat.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// pushLocked hands the current view to the persistence controller, which
// copies it and never blocks.
func (s *Session) pushLocked() {
	if s.deps.Persist != nil {
		s.deps.Persist.Update(s.inputsLocked())
	}
}

func (s *Session) inputsLocked() persist.Inputs {
	return persist.Inputs{
		ChatScope: s.scope,
		Stream:    s.stream,
		Messages:  s.messages,
		Thinking:  s.thinking,
		Title:     s.title,
		Provider:  s.provider,
		Model:     s.model,
	}
}
