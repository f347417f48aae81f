// Package retry implements the bounded, fixed-interval retry policy applied to
// every outbound call made through an mtlsclient transport.
//
// A response status is classified by its family (status / 100):
//
//	2xx        Success          returned as-is
//	4xx        TerminalFailure  returned as-is, never retried
//	otherwise  RetryableFailure retried up to MaxRetries times
//
// A 4xx response is not an error; callers inspect the returned status
// themselves.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxRetries is the number of additional attempts made after the first
	// one fails with a retryable outcome.
	MaxRetries = 5

	// RetryInterval is the fixed wait between two attempts.
	RetryInterval = 200 * time.Millisecond

	// NetworkFailure is the status recorded for an attempt that produced no
	// response at all.
	NetworkFailure = 0
)

// Verdict is the outcome of classifying one attempt.
type Verdict int

const (
	Success Verdict = iota
	TerminalFailure
	RetryableFailure
)

// String returns the metric/log label for v.
func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case TerminalFailure:
		return "terminal"
	case RetryableFailure:
		return "retryable"
	default:
		return "unknown"
	}
}

// Classify maps a response status code to a Verdict. It is pure.
func Classify(statusCode int) Verdict {
	switch statusCode / 100 {
	case 2:
		return Success
	case 4:
		return TerminalFailure
	default:
		return RetryableFailure
	}
}

// ErrExhausted matches every *ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when an outcome stayed retryable after
// MaxRetries additional attempts.
type ExhaustedError struct {
	StatusCode int   // last observed status, NetworkFailure when no response
	Attempts   int   // retries performed (not counting the first attempt)
	Err        error // last transport error, nil when a response was received
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("request failed after %d retries - status=[%d]", e.Attempts, e.StatusCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is reports whether target is ErrExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Hooks are optional callbacks fired by the executors. Any field may be nil.
type Hooks struct {
	// OnAttempt fires after every attempt with its classification.
	OnAttempt func(v Verdict, statusCode int)
	// OnRetry fires before waiting for attempt number n (1-based retry count).
	OnRetry func(n, statusCode int)
	// OnExhausted fires once when a call gives up.
	OnExhausted func(statusCode, attempts int)
}

func (h Hooks) attempt(v Verdict, status int) {
	if h.OnAttempt != nil {
		h.OnAttempt(v, status)
	}
}

func (h Hooks) retry(n, status int) {
	if h.OnRetry != nil {
		h.OnRetry(n, status)
	}
}

func (h Hooks) exhausted(status, attempts int) {
	if h.OnExhausted != nil {
		h.OnExhausted(status, attempts)
	}
}

// Clock abstracts waiting so tests can observe and skip backoff delays.
type Clock interface {
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
	// AfterFunc runs f on its own goroutine after d.
	AfterFunc(d time.Duration, f func())
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (realClock) AfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

// config is shared by the sync, async and gRPC executors.
type config struct {
	maxRetries int
	interval   time.Duration
	logger     *zap.Logger
	hooks      Hooks
	clock      Clock
}

// Option configures an executor.
type Option func(*config)

// WithMaxRetries overrides MaxRetries. Negative values are treated as 0.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithInterval overrides RetryInterval.
func WithInterval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(c *config) { c.hooks = h }
}

// WithClock replaces the wall clock.
func WithClock(clk Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		maxRetries: MaxRetries,
		interval:   RetryInterval,
		logger:     zap.NewNop(),
		clock:      realClock{},
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// logVerdict emits the per-attempt diagnostics.
func (c *config) logVerdict(v Verdict, status, attempt int) {
	switch v {
	case TerminalFailure:
		c.logger.Error("retry policy: no retry on client error, check the client certificate (keystore load at startup) or the request",
			zap.Int("status", status),
		)
	case RetryableFailure:
		c.logger.Warn("retry policy: retryable outcome",
			zap.Int("status", status),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.maxRetries),
		)
	}
}
