package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/sablewood/mediamesh/models"
)

// Class is the retry policy's verdict on a single failure.
type Class int

const (
	// ClassPermanent covers validation and authorization failures. One
	// attempt, surfaced immediately.
	ClassPermanent Class = iota
	// ClassTransient covers timeouts, connection resets and 5xx answers.
	ClassTransient
	// ClassRateLimited means the server told us when to come back. The
	// indicated wait is honored once, without backoff growth.
	ClassRateLimited
)

// Classifier maps an error onto a retry class.
type Classifier func(error) Class

// Classify is the default classifier. Anything not recognizably transient
// is treated as permanent: retrying a rejected request never un-rejects it.
func Classify(err error) Class {
	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var se *models.ServerError
	if errors.As(err, &se) {
		if se.Temporary() {
			return ClassTransient
		}
		return ClassPermanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}

// Policy bounds a retry run. The zero value is not usable; start from
// DefaultPolicy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// backoff returns the sleep before attempt n (1-based), exponential with
// full jitter, capped at MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// Do runs fn under the policy. Transient failures are retried with
// exponential backoff and jitter up to MaxAttempts; a rate-limited failure
// gets exactly one delayed retry at the server-indicated wait; permanent
// failures are returned after the first attempt. The last observed error is
// surfaced when attempts run out.
func Do[R any](ctx context.Context, p Policy, logger *slog.Logger, classify Classifier, fn func() (R, error)) (R, error) {
	var zero R
	if p.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry policy requires at least one attempt")
	}
	if classify == nil {
		classify = Classify
	}

	var lastErr error
	rateLimitSpent := false

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch classify(err) {
		case ClassRateLimited:
			if rateLimitSpent || attempt == p.MaxAttempts {
				return zero, err
			}
			rateLimitSpent = true
			var rl *models.RateLimitError
			wait := p.BaseDelay
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				wait = rl.RetryAfter
			}
			logger.Warn("rate limited, sleeping before single retry", "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return zero, err
			}
		case ClassTransient:
			if attempt == p.MaxAttempts {
				return zero, lastErr
			}
			wait := p.backoff(attempt)
			logger.Debug("transient failure, backing off",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"wait", wait,
				"error", err)
			if err := sleep(ctx, wait); err != nil {
				return zero, err
			}
		default:
			return zero, err
		}
	}
	return zero, lastErr
}

func DoVoid(ctx context.Context, p Policy, logger *slog.Logger, classify Classifier, fn func() error) error {
	_, err := Do(ctx, p, logger, classify, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("operation cancelled during retry wait: %w", ctx.Err())
	}
}
