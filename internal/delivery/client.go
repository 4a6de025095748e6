// Package delivery sends a single message to a single recipient with rate
// limiting and retry.
//
// A Client wraps a messaging.Service and applies the process-wide send rate
// limit before every attempt, including retries. Transient failures are
// retried with exponential backoff up to a ceiling; permanent failures abort
// immediately.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/beborico1/whatsapp-scheduler/internal/messaging"
)

// Defaults for the retry policy.
const (
	// DefaultMaxAttempts is the total attempt ceiling per recipient, first
	// attempt included.
	DefaultMaxAttempts = 3
	// DefaultAttemptTimeout bounds a single send attempt.
	DefaultAttemptTimeout = 30 * time.Second
	// DefaultBackoffBase is the delay before the first retry; it doubles on
	// each subsequent retry.
	DefaultBackoffBase = 1 * time.Second
)

// Opts holds configuration options for the delivery client.
type Opts struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
}

// Option defines a configuration option for the delivery client.
type Option func(*Opts)

// WithMaxAttempts sets the per-recipient attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithAttemptTimeout sets the timeout applied to each send attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AttemptTimeout = d }
}

// WithBackoffBase sets the delay before the first retry.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// Outcome reports the result of delivering to one recipient.
type Outcome struct {
	// Attempts is how many sends were actually made.
	Attempts int
	// Err is nil on success; otherwise the error from the last attempt.
	Err error
	// Permanent reports whether the failure was classified permanent and
	// therefore not retried.
	Permanent bool
}

// Client delivers messages through a messaging.Service under a shared rate
// limiter. The limiter is shared across all workers in the process so that
// concurrent dispatches never exceed the configured send rate in aggregate.
type Client struct {
	svc            messaging.Service
	limiter        *rate.Limiter
	maxAttempts    int
	attemptTimeout time.Duration
	backoffBase    time.Duration
}

// NewClient creates a delivery client. The limiter must not be nil; pass
// rate.NewLimiter(rate.Inf, 0) to disable rate limiting.
func NewClient(svc messaging.Service, limiter *rate.Limiter, opts ...Option) *Client {
	cfg := Opts{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		BackoffBase:    DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		svc:            svc,
		limiter:        limiter,
		maxAttempts:    cfg.MaxAttempts,
		attemptTimeout: cfg.AttemptTimeout,
		backoffBase:    cfg.BackoffBase,
	}
}

// MaxAttempts returns the configured attempt ceiling.
func (c *Client) MaxAttempts() int {
	return c.maxAttempts
}

// Deliver sends body to the given phone number, retrying transient failures
// up to the attempt ceiling. Every attempt, retries included, waits for a
// rate limiter token first. The returned Outcome always reflects at least one
// attempt unless the context was cancelled before the first send.
func (c *Client) Deliver(ctx context.Context, to string, body string) Outcome {
	canonical, err := c.svc.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		// Validation failures are permanent and consume no attempt quota,
		// but count as one attempt for record keeping.
		return Outcome{Attempts: 1, Err: err, Permanent: true}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{Attempts: attempt - 1, Err: err}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		err := c.svc.SendMessage(attemptCtx, canonical, body)
		cancel()
		if err == nil {
			return Outcome{Attempts: attempt}
		}
		lastErr = err

		var sendErr *messaging.SendError
		if errors.As(err, &sendErr) && !sendErr.Transient {
			slog.Debug("Delivery.Deliver permanent failure, not retrying", "to", canonical, "attempt", attempt, "error", err)
			return Outcome{Attempts: attempt, Err: err, Permanent: true}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Outcome{Attempts: attempt, Err: err}
		}

		if attempt < c.maxAttempts {
			delay := c.backoffBase << (attempt - 1)
			slog.Debug("Delivery.Deliver transient failure, backing off", "to", canonical, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Outcome{Attempts: attempt, Err: lastErr}
			}
		}
	}

	slog.Warn("Delivery.Deliver exhausted attempts", "to", canonical, "attempts", c.maxAttempts, "error", lastErr)
	return Outcome{Attempts: c.maxAttempts, Err: lastErr}
}
