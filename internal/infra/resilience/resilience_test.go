package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/infra/resilience"
)

func TestRetryWithBackoff_Success(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_RetriesOnFailure(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_StopsOnPermanent(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 5, InitialBackoff: time.Millisecond}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return resilience.Permanent(errors.New("bad request"))
	})

	if !resilience.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_RespectsContext(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		return errors.New("error")
	})

	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestCall_MapsErrors(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 0}

	t.Run("external", func(t *testing.T) {
		cb := resilience.NewCircuitBreaker("test-external", nil)
		err := resilience.Call(context.Background(), cb, cfg, "gw", func(context.Context) error {
			return errors.New("boom")
		})
		var ext *domain.ErrExternalService
		if !errors.As(err, &ext) || ext.Service != "gw" {
			t.Fatalf("expected ErrExternalService, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		cb := resilience.NewCircuitBreaker("test-timeout", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		err := resilience.Call(ctx, cb, cfg, "gw", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		var timeout *domain.ErrTimeout
		if !errors.As(err, &timeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("permanent unwrapped", func(t *testing.T) {
		cb := resilience.NewCircuitBreaker("test-permanent", nil)
		want := &domain.ErrValidation{Field: "amount", Message: "bad"}
		err := resilience.Call(context.Background(), cb, cfg, "gw", func(context.Context) error {
			return resilience.Permanent(want)
		})
		if err != want {
			t.Fatalf("expected the validation error back, got %v", err)
		}
	})
}

func TestCall_CircuitOpens(t *testing.T) {
	cb := resilience.NewCircuitBreaker("test-open", nil)
	cfg := resilience.Config{MaxRetries: 0}

	for i := 0; i < 5; i++ {
		_ = resilience.Call(context.Background(), cb, cfg, "gw", func(context.Context) error {
			return errors.New("down")
		})
	}

	called := false
	err := resilience.Call(context.Background(), cb, cfg, "gw", func(context.Context) error {
		called = true
		return nil
	})
	var open *domain.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestBulkhead_AcquireRelease(t *testing.T) {
	bh := resilience.NewBulkhead(2)

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := bh.Acquire(ctx); err == nil {
		t.Fatal("expected timeout on third acquire")
	}
	if bh.TryAcquire() {
		t.Fatal("expected TryAcquire to fail while full")
	}

	bh.Release()

	if !bh.TryAcquire() {
		t.Fatal("expected TryAcquire after release")
	}
}
