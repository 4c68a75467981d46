package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    2,
		AttemptTimeout: 20 * time.Millisecond,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Service:        "pricing_engine",
		Operation:      "quote",
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_RetriesOnceOnTimeout(t *testing.T) {
	var calls atomic.Int32
	val, err := DoVal(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "priced", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "priced" {
		t.Errorf("expected value from second attempt, got %q", val)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDoVal_TimeoutTwiceYieldsUpstreamTimeout(t *testing.T) {
	var calls atomic.Int32
	_, err := DoVal(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var ute *UpstreamTimeoutError
	if !errors.As(err, &ute) {
		t.Fatalf("expected UpstreamTimeoutError, got %v", err)
	}
	if ute.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", ute.Attempts)
	}
	if ute.Service != "pricing_engine" || ute.Operation != "quote" {
		t.Errorf("unexpected labels: %s %s", ute.Service, ute.Operation)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls.Load())
	}
	if !IsTimeout(err) || !IsTransient(err) {
		t.Error("upstream timeout should be a transient timeout")
	}
}

func TestDoVal_DeadlineMaskedByOtherError(t *testing.T) {
	var calls int
	_, err := DoVal(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, errors.New("read body: connection closed")
	})
	var ute *UpstreamTimeoutError
	if !errors.As(err, &ute) {
		t.Fatalf("expected UpstreamTimeoutError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_NonTimeoutError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("bad gateway"), 502)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var ute *UpstreamTimeoutError
	if errors.As(err, &ute) {
		t.Error("non-timeout failure must not become an upstream timeout")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (only timeouts retry), got %d", calls)
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := fastConfig()
	cfg.MaxAttempts = 5

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancel, got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retryAttempts []int
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	cfg.OnRetry = func(attempt int, _ error) {
		retryAttempts = append(retryAttempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return context.DeadlineExceeded
	})

	if len(retryAttempts) != 2 {
		t.Fatalf("expected 2 OnRetry calls, got %d", len(retryAttempts))
	}
	if retryAttempts[0] != 1 || retryAttempts[1] != 2 {
		t.Errorf("expected attempts [1, 2], got %v", retryAttempts)
	}
}

func TestComputeBackoff_CapsAtMax(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	if d := computeBackoff(5, cfg); d != 300*time.Millisecond {
		t.Errorf("expected cap of 300ms, got %s", d)
	}
	if d := computeBackoff(0, cfg); d != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %s", d)
	}
}

func TestFromUpstreamConfig(t *testing.T) {
	cfg := FromUpstreamConfig("delivery", "send", 0, 0)
	if cfg.AttemptTimeout != 15*time.Second {
		t.Errorf("expected 15s default timeout, got %s", cfg.AttemptTimeout)
	}
	if cfg.MaxAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.ShouldRetry == nil || cfg.OnRetry == nil {
		t.Error("expected retry hooks to be set")
	}

	cfg = FromUpstreamConfig("delivery", "send", 3, 1)
	if cfg.AttemptTimeout != 3*time.Second || cfg.MaxAttempts != 1 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}
