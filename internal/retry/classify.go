// Package retry classifies failures and runs operations under a jittered
// exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Category groups failures by how they should be handled.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryRateLimit      Category = "rate_limit"
	CategoryServerError    Category = "server_error"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryUnknown        Category = "unknown"
)

// Classification is the structured verdict on a single failure.
type Classification struct {
	Category       Category
	IsRetryable    bool
	ShouldFallback bool
	Message        string
	// RetryAfter is the server's requested wait, when it sent one.
	RetryAfter time.Duration
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// retryAfterHinter is implemented by errors that carry a Retry-After hint.
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Patterns are matched against the lower-cased error text. Authentication
// is checked first so that "401 too many attempts" is never retried.
var (
	authPatterns = []string{
		"unauthorized",
		"invalid api key",
		"invalid x-api-key",
		"incorrect api key",
		"authentication",
		"forbidden",
		"permission denied",
		"status 401",
		"status 403",
	}
	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"quota exceeded",
		"status 429",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"status 408",
		"status 504",
	}
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"network error",
		"unexpected eof",
	}
	serverPatterns = []string{
		"internal server error",
		"bad gateway",
		"service unavailable",
		"overloaded",
		"server error",
		"status 500",
		"status 502",
		"status 503",
		"status 529",
		"database is locked",
		"database table is locked",
		"sqlite_busy",
	}
)

// Classify maps an arbitrary error to a Classification. It never panics;
// a nil error classifies as unknown.
func Classify(err error) Classification {
	if err == nil {
		return newClassification(CategoryUnknown, "unknown error")
	}
	msg := err.Error()

	if errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryUnknown, Message: msg}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newClassification(CategoryTimeout, msg)
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if c, ok := classifyStatus(sc.StatusCode()); ok {
			cl := newClassification(c, msg)
			var h retryAfterHinter
			if c == CategoryRateLimit && errors.As(err, &h) {
				cl.RetryAfter = h.RetryAfterHint()
			}
			return cl
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newClassification(CategoryTimeout, msg)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return newClassification(CategoryNetwork, msg)
	}

	lower := strings.ToLower(msg)
	// EOF that lost its type crossing a provider boundary.
	if lower == "eof" || strings.HasSuffix(lower, ": eof") {
		return newClassification(CategoryNetwork, msg)
	}
	return newClassification(classifyMessage(lower), msg)
}

func classifyStatus(code int) (Category, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryAuthentication, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return CategoryTimeout, true
	case code >= 500 && code <= 599:
		return CategoryServerError, true
	}
	return "", false
}

func classifyMessage(lower string) Category {
	switch {
	case containsAny(lower, authPatterns):
		return CategoryAuthentication
	case containsAny(lower, rateLimitPatterns):
		return CategoryRateLimit
	case containsAny(lower, timeoutPatterns):
		return CategoryTimeout
	case containsAny(lower, serverPatterns):
		return CategoryServerError
	case containsAny(lower, networkPatterns):
		return CategoryNetwork
	}
	return CategoryUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// newClassification applies the default policy for a category.
// Everything falls back to another provider; only transient categories retry.
func newClassification(c Category, msg string) Classification {
	out := Classification{Category: c, ShouldFallback: true, Message: msg}
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategoryServerError, CategoryTimeout:
		out.IsRetryable = true
	}
	return out
}
