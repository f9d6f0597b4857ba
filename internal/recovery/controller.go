// Package recovery wraps the retry engine with observable state for
// interactive callers: the attempt in progress, the last failure and a
// countdown to the next retry.
package recovery

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/kalambet/pocketchat/internal/retry"
)

// State is a point-in-time view of the controller. The zero value is idle.
type State struct {
	AttemptNumber int
	LastError     *retry.Classification
	IsRetrying    bool
	// NextRetryIn counts down in whole seconds while IsRetrying is set.
	NextRetryIn time.Duration
}

// Controller tracks retries of one logical operation at a time. Results
// from a run that was superseded by a newer run, a Reset or an Abort are
// discarded.
type Controller struct {
	cfg      retry.Config
	clock    quartz.Clock
	rnd      func() float64
	logger   *slog.Logger
	onChange func(State)

	mu        sync.Mutex
	state     State
	gen       uint64
	tickSeq   uint64
	countdown *quartz.Timer
	cancelRun context.CancelFunc
	version   uint64

	notifyMu  sync.Mutex
	delivered uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for backoff waits and the countdown.
func WithClock(c quartz.Clock) Option {
	return func(r *Controller) { r.clock = c }
}

// WithRand sets the jitter source.
func WithRand(fn func() float64) Option {
	return func(r *Controller) { r.rnd = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Controller) { r.logger = l }
}

// WithOnChange registers a callback that receives every new State. It is
// never called with the controller's lock held. Calls are serialized and a
// state older than one already delivered is dropped.
func WithOnChange(fn func(State)) Option {
	return func(r *Controller) { r.onChange = fn }
}

// New creates a Controller using cfg for every execution.
func New(cfg retry.Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		clock:  quartz.NewReal(),
		rnd:    rand.Float64,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the retry policy.
func (c *Controller) Config() retry.Config {
	return c.cfg
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanRetry reports whether a manual retry is still worthwhile.
func (c *Controller) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	return s.LastError != nil && s.LastError.IsRetryable && s.AttemptNumber < c.cfg.MaxRetries
}

// RetryAfter suggests how long to wait before retrying a rate-limited
// call: the server's Retry-After hint if it sent one, otherwise the next
// backoff delay. It reports false unless the last failure was a rate limit
// and no retry is in flight.
func (c *Controller) RetryAfter() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.LastError == nil || s.LastError.Category != retry.CategoryRateLimit || s.IsRetrying {
		return 0, false
	}
	if s.LastError.RetryAfter > 0 {
		return s.LastError.RetryAfter, true
	}
	return retry.BackoffWith(c.cfg, s.AttemptNumber, c.rnd), true
}

// RecordError classifies a failure that happened outside the controller
// and makes it the last error.
func (c *Controller) RecordError(err error) retry.Classification {
	cl := retry.Classify(err)
	c.mu.Lock()
	c.stopCountdownLocked()
	c.state = State{AttemptNumber: c.state.AttemptNumber, LastError: &cl}
	s, v := c.publishLocked()
	c.mu.Unlock()
	c.notify(s, v)
	return cl
}

// Reset returns to the idle state and disowns any running execution.
func (c *Controller) Reset() {
	c.supersede(false)
}

// Abort returns to the idle state immediately, disowns any running
// execution and stops its pending backoff wait. A call already in progress
// is allowed to finish; its result is discarded.
func (c *Controller) Abort() {
	c.supersede(true)
}

func (c *Controller) supersede(cancelWait bool) {
	c.mu.Lock()
	c.gen++
	c.stopCountdownLocked()
	if cancelWait && c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.state = State{}
	s, v := c.publishLocked()
	c.mu.Unlock()
	c.notify(s, v)
}

// ExecuteWithRecovery runs op under the controller's retry policy and
// publishes progress through State. It never returns an error directly;
// the outcome is in the Result.
func ExecuteWithRecovery[T any](ctx context.Context, c *Controller, op func(context.Context) (T, error)) retry.Result[T] {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.stopCountdownLocked()
	waitCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.mu.Unlock()
	defer cancel()

	res := retry.Execute(waitCtx, c.cfg,
		// The operation itself runs on the caller's context; Abort only
		// stops the wait between attempts.
		func(context.Context) (T, error) { return op(ctx) },
		retry.WithClock(c.clock),
		retry.WithRand(c.rnd),
		retry.WithLogger(c.logger),
		retry.WithOnRetry(func(attempt int, delay time.Duration, cl retry.Classification) {
			c.onRetry(gen, attempt, delay, cl)
		}),
	)

	c.settle(gen, res.Success, res.Error, res.Attempts)
	return res
}

func (c *Controller) onRetry(gen uint64, attempt int, delay time.Duration, cl retry.Classification) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopCountdownLocked()
	c.state = State{
		AttemptNumber: attempt,
		LastError:     &cl,
		IsRetrying:    true,
		NextRetryIn:   ceilSecond(delay),
	}
	c.startCountdownLocked()
	s, v := c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("retrying after failure",
		"attempt", attempt,
		"delay", delay,
		"category", cl.Category,
	)
	c.notify(s, v)
}

func (c *Controller) settle(gen uint64, ok bool, cl *retry.Classification, attempts int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded result", "attempts", attempts)
		return
	}
	c.stopCountdownLocked()
	c.cancelRun = nil
	if ok {
		c.state = State{}
	} else {
		c.state = State{AttemptNumber: attempts - 1, LastError: cl}
	}
	s, v := c.publishLocked()
	c.mu.Unlock()
	c.notify(s, v)
}

func (c *Controller) startCountdownLocked() {
	c.tickSeq++
	seq := c.tickSeq
	c.countdown = c.clock.AfterFunc(time.Second, func() { c.tick(seq) }, "recovery", "countdown")
}

func (c *Controller) stopCountdownLocked() {
	c.tickSeq++
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
}

func (c *Controller) tick(seq uint64) {
	c.mu.Lock()
	if seq != c.tickSeq || !c.state.IsRetrying {
		c.mu.Unlock()
		return
	}
	c.state.NextRetryIn -= time.Second
	if c.state.NextRetryIn > 0 {
		c.startCountdownLocked()
	} else {
		c.state.NextRetryIn = 0
		c.countdown = nil
	}
	s, v := c.publishLocked()
	c.mu.Unlock()
	c.notify(s, v)
}

// publishLocked stamps the current state with a version for notify.
func (c *Controller) publishLocked() (State, uint64) {
	c.version++
	return c.state, c.version
}

// notify delivers s unless a newer state was already delivered, so a
// callback racing an Abort cannot resurrect a superseded state.
func (c *Controller) notify(s State, v uint64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if v <= c.delivered {
		return
	}
	c.delivered = v
	if c.onChange != nil {
		c.onChange(s)
	}
}

func ceilSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
