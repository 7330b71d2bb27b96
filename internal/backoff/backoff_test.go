package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextGrowsAndCaps(t *testing.T) {
	s := New()
	s.JitterPercent = 0 // deterministic

	want := DefaultInitialInterval
	for i := 0; i < 10; i++ {
		got := s.Next()
		if got != want {
			t.Fatalf("attempt %d: got %v, want %v", i, got, want)
		}
		want *= 2
		if want > DefaultMaxInterval {
			want = DefaultMaxInterval
		}
	}
}

func TestNextJitterWithinBounds(t *testing.T) {
	s := New()
	base := s.InitialInterval
	for i := 0; i < 50; i++ {
		d := s.Next()
		lo := time.Duration(float64(base) * (1 - DefaultJitterPercent))
		hi := time.Duration(float64(base) * (1 + DefaultJitterPercent))
		if d < lo || d > hi {
			t.Fatalf("Next() = %v, want within [%v, %v] of base %v", d, lo, hi, base)
		}
		base *= 2
		if base > DefaultMaxInterval {
			base = DefaultMaxInterval
		}
	}
}

func TestResetReturnsToInitial(t *testing.T) {
	s := New()
	s.JitterPercent = 0
	s.Next()
	s.Next()
	s.Reset()
	if got := s.Next(); got != DefaultInitialInterval {
		t.Fatalf("after Reset, Next() = %v, want %v", got, DefaultInitialInterval)
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	s := New()
	s.InitialInterval = time.Millisecond
	s.MaxInterval = 5 * time.Millisecond
	s.JitterPercent = 0

	attempts := 0
	err := Retry(context.Background(), s, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	s := New()
	s.InitialInterval = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, s, func() error { return errors.New("always fails") })
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
