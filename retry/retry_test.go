package retry_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestTwoTransientThenSuccess(t *testing.T) {
	attempts := 0
	transient := &models.ServerError{Server: "https://a.example", StatusCode: 503, Message: "busy", Transient: true}

	result, err := retry.Do(context.Background(), fastPolicy(), testLogger(), nil, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", transient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, attempts)
}

func TestPermanentFailsOnFirstAttempt(t *testing.T) {
	attempts := 0
	_, err := retry.Do(context.Background(), fastPolicy(), testLogger(), nil, func() (string, error) {
		attempts++
		return "", models.ErrUnauthorized
	})
	require.ErrorIs(t, err, models.ErrUnauthorized)
	require.Equal(t, 1, attempts)
}

func TestTransientExhaustsAndSurfacesLastError(t *testing.T) {
	attempts := 0
	lastMsg := ""
	_, err := retry.Do(context.Background(), fastPolicy(), testLogger(), nil, func() (string, error) {
		attempts++
		lastMsg = "boom"
		return "", &models.ServerError{Server: "https://a.example", StatusCode: 500, Message: lastMsg, Transient: true}
	})
	require.Error(t, err)
	var se *models.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "boom", se.Message)
	require.Equal(t, 3, attempts)
}

func TestRateLimitSingleDelayedRetry(t *testing.T) {
	attempts := 0
	rl := &models.RateLimitError{Server: "https://a.example", RetryAfter: 2 * time.Millisecond}

	start := time.Now()
	result, err := retry.Do(context.Background(), fastPolicy(), testLogger(), nil, func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, rl
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 2, attempts)
	require.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
}

func TestRateLimitNotRetriedTwice(t *testing.T) {
	attempts := 0
	rl := &models.RateLimitError{Server: "https://a.example", RetryAfter: time.Millisecond}

	_, err := retry.Do(context.Background(), fastPolicy(), testLogger(), nil, func() (int, error) {
		attempts++
		return 0, rl
	})
	require.Error(t, err)
	var got *models.RateLimitError
	require.ErrorAs(t, err, &got)
	require.Equal(t, 2, attempts)
}

func TestContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	transient := &models.ServerError{Server: "https://a.example", StatusCode: 500, Message: "x", Transient: true}

	p := retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := retry.Do(ctx, p, testLogger(), nil, func() (int, error) {
		attempts++
		return 0, transient
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestCustomClassifier(t *testing.T) {
	sentinel := errors.New("special")
	attempts := 0
	classify := func(err error) retry.Class {
		if errors.Is(err, sentinel) {
			return retry.ClassTransient
		}
		return retry.ClassPermanent
	}
	result, err := retry.Do(context.Background(), fastPolicy(), testLogger(), classify, func() (bool, error) {
		attempts++
		if attempts == 1 {
			return false, sentinel
		}
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, result)
	require.Equal(t, 2, attempts)
}
