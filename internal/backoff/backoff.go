// Package backoff implements the retry policy applied around every remote call the
// poller makes: batch status polls, file downloads and document-store writes.
//
// Delays grow as Base * 2^(attempt-1) and a policy never tries an operation more
// than MaxAttempts times in total.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

const (
	DefaultBase        = time.Second
	DefaultMaxAttempts = 3
)

// ErrExhausted is returned when every attempt allowed by the policy failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Delay returns base * 2^(attempt-1). Attempt is 1-indexed; values below 1 are treated as 1.
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

// Permanent marks err as not worth retrying. Retry returns it unwrapped after the
// first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return cbackoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *cbackoff.PermanentError
	return errors.As(err, &perm)
}

// Policy is stateless and safe for concurrent use; attempt counting lives in each
// Retry call.
type Policy struct {
	base        time.Duration
	maxAttempts int
	timer       func() cbackoff.Timer
	logger      *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(newTimer func() cbackoff.Timer) Option {
	return func(p *Policy) { p.timer = newTimer }
}

// WithLogger sets the logger used for per-attempt warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPolicy creates a Policy. Non-positive arguments fall back to the defaults.
func NewPolicy(base time.Duration, maxAttempts int, opts ...Option) Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	p := Policy{
		base:        base,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// MaxAttempts returns the total number of tries per operation.
func (p Policy) MaxAttempts() int { return p.maxAttempts }

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration { return Delay(p.base, attempt) }

// Retry runs op until it succeeds, returns a permanent error, ctx is done, or
// MaxAttempts tries have failed. In the last case the returned error wraps both
// ErrExhausted and the final operation error.
func (p Policy) Retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := op(ctx)
		var perr *cbackoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("retrying operation",
			"operation", name,
			"attempt", attempts,
			"max_attempts", p.maxAttempts,
			"delay_ms", next.Milliseconds(),
			"error", err,
		)
	}

	var timer cbackoff.Timer
	if p.timer != nil {
		timer = p.timer()
	}

	b := cbackoff.WithContext(&sequence{policy: p}, ctx)
	err := cbackoff.RetryNotifyWithTimer(operation, b, notify, timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return err
	default:
		return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrExhausted, attempts, err)
	}
}

// sequence adapts a Policy to cbackoff.BackOff for a single Retry call.
type sequence struct {
	policy  Policy
	attempt int
}

func (s *sequence) NextBackOff() time.Duration {
	s.attempt++
	if s.attempt >= s.policy.maxAttempts {
		return cbackoff.Stop
	}
	return s.policy.Delay(s.attempt)
}

func (s *sequence) Reset() { s.attempt = 0 }
