package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"lectern/internal/logging"
	"lectern/internal/services"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy allows three attempts with 2s, 4s backoff capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Executor wraps calls into external dependencies with bounded exponential
// backoff. Only transient failures are retried.
type Executor struct {
	policy  Policy
	logger  *slog.Logger
	sleeper func(time.Duration)
}

// Option customizes the executor.
type Option func(*Executor)

// WithLogger attaches a logger for retry attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logging.NewComponentLogger(logger, "retry")
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(e *Executor) {
		e.sleeper = sleeper
	}
}

// New constructs an executor. Zero policy fields fall back to the defaults.
func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}
	e := &Executor{policy: policy, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. Exhaustion is reported as services.ErrRetryExhausted wrapping the last
// error so callers can still inspect the underlying cause.
func (e *Executor) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if e == nil {
		return fn(ctx)
	}
	attempts := e.policy.MaxAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(ctx, err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := e.delayFor(err, attempt)
		e.logger.Warn("transient failure; retrying",
			logging.String(logging.FieldEventType, "retry_attempt"),
			logging.String("operation", operation),
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", attempts),
			logging.Duration("delay", delay),
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.Error(err),
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return lastErr
		}
	}
	return services.Wrap(services.ErrRetryExhausted, "", operation,
		fmt.Sprintf("failed after %d attempts", attempts), lastErr)
}

// Retryable reports whether err is transient and ctx is still live.
func Retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if services.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-attempt deadline expired while the caller's context is still live.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// retryAfterHint is implemented by errors that carry a server-provided delay.
type retryAfterHint interface {
	RetryAfter() time.Duration
}

func (e *Executor) delayFor(err error, attempt int) time.Duration {
	var hint retryAfterHint
	if errors.As(err, &hint) {
		if d := hint.RetryAfter(); d > 0 {
			return e.capDelay(d)
		}
	}
	return e.Backoff(attempt)
}

// Backoff returns the delay after the given 1-based attempt:
// attempt 1 -> base, attempt 2 -> base*2, capped at MaxDelay.
func (e *Executor) Backoff(attempt int) time.Duration {
	base := e.policy.BaseDelay
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > e.policy.MaxDelay/2 {
			delay = e.policy.MaxDelay
			break
		}
		delay *= 2
	}
	return e.capDelay(delay)
}

func (e *Executor) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if e.policy.MaxDelay > 0 && delay > e.policy.MaxDelay {
		return e.policy.MaxDelay
	}
	return delay
}

func (e *Executor) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if e.sleeper != nil {
		e.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
