package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/objectfs/geds/pkg/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Jitter:       false,
	}
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.Unavailable("store down")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "not found", err: errors.NotFound("missing")},
		{name: "invalid state", err: errors.InvalidState("sealed")},
		{name: "plain error", err: fmt.Errorf("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
				attempts++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected %v, got %v", tt.err, err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
			}
		})
	}
}

func TestRetryer_ExtraRetryableCodes(t *testing.T) {
	cfg := fastConfig(2)
	cfg.RetryableErrors = []errors.ErrorCode{errors.ErrCodeInternal}

	attempts := 0
	_ = New(cfg).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeInternal, "flaky")
	})
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	}

	attempts := 0
	err := New(cfg).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.Unavailable("still down")
	})

	if !errors.IsCode(err, errors.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("Expected retries after attempts 1 and 2, got %v", retries)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := New(fastConfig(3)).Do(ctx, func(context.Context) error {
		attempts++
		return nil
	})

	if !errors.IsCode(err, errors.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE, got %v", err)
	}
	if attempts != 0 {
		t.Errorf("Expected no attempt, got %d", attempts)
	}
}

func TestRetryer_CanceledDuringBackoff(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	attempts := 0
	err := New(cfg).Do(ctx, func(context.Context) error {
		attempts++
		return errors.Unavailable("down")
	})

	if !errors.IsCode(err, errors.ErrCodeUnavailable) {
		t.Errorf("Expected the last error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestCalculateDelay(t *testing.T) {
	r := New(Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{8, time.Second},
	}
	for _, tt := range tests {
		if got := r.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalculateDelay_Jitter(t *testing.T) {
	r := New(Config{InitialDelay: 100 * time.Millisecond, Jitter: true})
	for range 50 {
		got := r.calculateDelay(1)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("delay %v outside of ±20%%", got)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{})
	if r.MaxAttempts() != DefaultConfig().MaxAttempts {
		t.Errorf("Expected %d attempts, got %d", DefaultConfig().MaxAttempts, r.MaxAttempts())
	}
}
