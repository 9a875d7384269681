package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retries after the first attempt
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Upper bound for any delay
	Multiplier    float64       // Exponential backoff factor
	Randomization float64       // Jitter factor in [0, 1)
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		Randomization: 0.2,
	}
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// RetryPolicy computes exponential backoff with jitter.
type RetryPolicy struct {
	config *RetryConfig
	rnd    *rand.Rand
	mu     sync.Mutex
}

func NewRetryPolicy(config *RetryConfig) *RetryPolicy {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryPolicy{
		config: config,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the delay before retry number attempt (0-based), or 0
// once retries are exhausted.
func (r *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt >= r.config.MaxRetries {
		return 0
	}

	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	f := r.config.Randomization
	return time.Duration(delay * (1 - f + 2*f*r.float64()))
}

func (r *RetryPolicy) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

func (r *RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < r.config.MaxRetries
}

// MaxAttempts returns the total number of attempts (initial + retries).
func (r *RetryPolicy) MaxAttempts() int {
	return r.config.MaxRetries + 1
}

// Do runs fn until it succeeds, returns a permanent error, retries run out
// or ctx is done. The last error is returned.
func (r *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if errors.Is(err, ErrCircuitOpen) || !r.ShouldRetry(attempt) {
			return err
		}

		timer := time.NewTimer(r.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
