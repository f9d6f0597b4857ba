package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/quartz"
)

// Result is the outcome of Execute. Operation failures never escape as
// errors or panics; they are reported here.
type Result[T any] struct {
	Success        bool
	Data           T
	Error          *Classification
	Cause          error
	Attempts       int
	ShouldFallback bool
}

// Err returns the underlying failure, or nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return r.Cause
}

// OnRetryFunc is called before each backoff wait. attempt is the number of
// the attempt about to run after the wait.
type OnRetryFunc func(attempt int, delay time.Duration, c Classification)

type options struct {
	onRetry  OnRetryFunc
	clock    quartz.Clock
	rnd      func() float64
	classify func(error) Classification
	logger   *slog.Logger
}

// Option customizes Execute.
type Option func(*options)

// WithOnRetry registers a callback invoked before every backoff wait.
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithClock sets the clock used for backoff waits.
func WithClock(c quartz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRand sets the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rnd = fn }
}

// WithClassifier replaces Classify.
func WithClassifier(fn func(error) Classification) Option {
	return func(o *options) { o.classify = fn }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    quartz.NewReal(),
		rnd:      rand.Float64,
		classify: Classify,
		logger:   slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Execute runs op until it succeeds, fails with a failure cfg does not
// retry, or cfg.MaxRetries retries have been spent. Cancelling ctx ends a
// pending backoff wait early.
func Execute[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error), opts ...Option) Result[T] {
	o := buildOptions(opts)

	for attempt := 0; ; attempt++ {
		data, err := call(ctx, op)
		if err == nil {
			return Result[T]{Success: true, Data: data, Attempts: attempt + 1}
		}

		c := o.classify(err)
		if !cfg.ShouldRetry(c) || attempt >= cfg.MaxRetries {
			return failure[T](c, err, attempt+1)
		}

		delay := BackoffWith(cfg, attempt, o.rnd)
		o.logger.Debug("retrying operation",
			"attempt", attempt+1,
			"delay", delay,
			"category", c.Category,
			"error", err,
		)
		if o.onRetry != nil {
			o.onRetry(attempt+1, delay, c)
		}

		timer := o.clock.NewTimer(delay, "retry", "backoff")
		select {
		case <-ctx.Done():
			timer.Stop()
			return failure[T](o.classify(ctx.Err()), ctx.Err(), attempt+1)
		case <-timer.C:
		}
	}
}

func failure[T any](c Classification, err error, attempts int) Result[T] {
	return Result[T]{
		Error:          &c,
		Cause:          err,
		Attempts:       attempts,
		ShouldFallback: c.ShouldFallback,
	}
}

// call invokes op, converting a panic into an error.
func call[T any](ctx context.Context, op func(context.Context) (T, error)) (data T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}
