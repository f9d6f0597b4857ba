// Package provider streams chat completions from the supported backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/pocketchat/internal/chat"
)

// ErrUnknownProvider is returned when a provider is not configured.
var ErrUnknownProvider = errors.New("provider not configured")

// Delta is one streamed increment of a reply.
type Delta struct {
	Text     string
	Thinking string
}

// Reply is the accumulated reply. On a failed stream it holds whatever
// arrived before the failure.
type Reply struct {
	Text     string
	Thinking string
	Model    string
}

// Provider streams a reply for a conversation.
type Provider interface {
	ID() chat.ProviderID
	Stream(ctx context.Context, model string, msgs []chat.Message, onDelta func(Delta)) (Reply, error)
}

// StatusError is returned for non-2xx responses. Its StatusCode lets the
// retry classifier recognise rate limits, auth failures and outages.
type StatusError struct {
	Provider   chat.ProviderID
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Code, body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// RetryAfterHint is the parsed Retry-After header, zero when absent.
func (e *StatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

// StreamError reports an error event received in the middle of a stream.
type StreamError struct {
	Provider chat.ProviderID
	Type     string
	Message  string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s stream error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s stream error (%s): %s", e.Provider, e.Type, e.Message)
}

func newStatusError(id chat.ProviderID, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &StatusError{Provider: id, Code: resp.StatusCode, Body: string(body)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// Option configures a network client.
type Option func(*httpOptions)

type httpOptions struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *httpOptions) { o.httpClient = c }
}

// WithRateLimit paces requests to at most rps per second. Zero disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *httpOptions) {
		if rps <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func buildHTTPOptions(opts []Option) httpOptions {
	o := httpOptions{
		// Streams can run for minutes; the request context bounds them.
		httpClient: &http.Client{Timeout: 0},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o httpOptions) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for request slot: %w", err)
	}
	return nil
}

// splitSystem separates system messages from the conversation for APIs
// that take the system prompt as its own field.
func splitSystem(msgs []chat.Message) (string, []chat.Message) {
	var system []string
	rest := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// withoutPlaceholder drops a trailing pending assistant message so it is
// never sent back to a provider.
func withoutPlaceholder(msgs []chat.Message) []chat.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == chat.RoleAssistant {
		if c := strings.TrimSpace(msgs[n-1].Content); c == "" || c == chat.Placeholder {
			return msgs[:n-1]
		}
	}
	return msgs
}
