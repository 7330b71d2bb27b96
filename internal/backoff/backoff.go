// Package backoff implements the register-client reconnect strategy of
// §4.8/§5: exponential backoff with jitter, adapted from
// XrayIran-StealthLink's internal/agent/backoff.go. The CircuitBreaker that
// file also defines is dropped — §5 only specifies the backoff curve
// itself, nothing resembling trip/half-open state, so carrying it forward
// would be unrequested scope.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Defaults match §5 exactly: initial 500ms, factor 2, max 30s, jitter ±25%.
const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultJitterPercent   = 0.25
)

// Strategy computes successive reconnect delays.
type Strategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	JitterPercent   float64

	mu       sync.Mutex
	current  time.Duration
}

// New returns a Strategy configured with §5's defaults.
func New() *Strategy {
	return &Strategy{
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		JitterPercent:   DefaultJitterPercent,
		current:         DefaultInitialInterval,
	}
}

// Next returns the next backoff duration and advances the internal state
// for the following call.
func (s *Strategy) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	jitter := time.Duration(0)
	if s.JitterPercent > 0 {
		jitter = time.Duration(float64(s.current) * s.JitterPercent * (rand.Float64()*2 - 1))
	}
	delay := s.current + jitter
	if delay < 0 {
		delay = 0
	}

	s.current *= 2
	if s.current > s.MaxInterval {
		s.current = s.MaxInterval
	}
	return delay
}

// Reset returns the strategy to its initial interval, called after a
// successful reconnect.
func (s *Strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.InitialInterval
}

// Retry calls fn repeatedly, sleeping s.Next() between attempts, until fn
// succeeds or ctx is done.
func Retry(ctx context.Context, s *Strategy, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			s.Reset()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Next()):
		}
	}
}
