package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffStrategy decides how long to wait between attempts and how many to make.
// MaxAttempts counts every attempt including the first; zero or less means one.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
	MaxAttempts() int
}

// jitterSource is a goroutine-safe random source shared by the strategies.
type jitterSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newJitterSource() *jitterSource {
	return &jitterSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// apply shifts delay by a random amount within ±(delay*jitter)/2.
func (j *jitterSource) apply(delay, jitter float64) float64 {
	if jitter <= 0 {
		return delay
	}
	j.mu.Lock()
	r := j.rnd.Float64()
	j.mu.Unlock()
	return delay + (r-0.5)*delay*jitter
}

// ExponentialBackoff implements BackoffStrategy with exponential delay between attempts
type ExponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	jitter       float64
	maxAttempts  int
	random       *jitterSource
}

// NewExponentialBackoff creates a new exponential backoff strategy
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		factor:       2.0,
		jitter:       0.2,
		maxAttempts:  maxAttempts,
		random:       newJitterSource(),
	}
}

// WithFactor sets the exponential factor (default 2.0)
func (b *ExponentialBackoff) WithFactor(factor float64) *ExponentialBackoff {
	b.factor = factor
	return b
}

// WithJitter sets the jitter factor to randomize delays (default 0.2 - 20%)
func (b *ExponentialBackoff) WithJitter(jitter float64) *ExponentialBackoff {
	b.jitter = jitter
	return b
}

// NextDelay implements BackoffStrategy.NextDelay
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(b.initialDelay) * math.Pow(b.factor, float64(attempt-1))
	delay = b.random.apply(delay, b.jitter)
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	return time.Duration(delay)
}

// MaxAttempts implements BackoffStrategy.MaxAttempts
func (b *ExponentialBackoff) MaxAttempts() int {
	return b.maxAttempts
}

// ConstantBackoff implements BackoffStrategy with fixed delay between attempts
type ConstantBackoff struct {
	delay       time.Duration
	maxAttempts int
	jitter      float64
	random      *jitterSource
}

// NewConstantBackoff creates a new constant backoff strategy
func NewConstantBackoff(delay time.Duration, maxAttempts int) *ConstantBackoff {
	return &ConstantBackoff{
		delay:       delay,
		maxAttempts: maxAttempts,
		jitter:      0.1,
		random:      newJitterSource(),
	}
}

// WithJitter sets the jitter factor to randomize delays (default 0.1 - 10%)
func (b *ConstantBackoff) WithJitter(jitter float64) *ConstantBackoff {
	b.jitter = jitter
	return b
}

// NextDelay implements BackoffStrategy.NextDelay
func (b *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(b.random.apply(float64(b.delay), b.jitter))
}

// MaxAttempts implements BackoffStrategy.MaxAttempts
func (b *ConstantBackoff) MaxAttempts() int {
	return b.maxAttempts
}

// NoBackoff implements BackoffStrategy with no delay between attempts
type NoBackoff struct {
	maxAttempts int
}

// NewNoBackoff creates a new no-backoff strategy
func NewNoBackoff(maxAttempts int) *NoBackoff {
	return &NoBackoff{maxAttempts: maxAttempts}
}

// NextDelay implements BackoffStrategy.NextDelay
func (b *NoBackoff) NextDelay(attempt int) time.Duration {
	return 0
}

// MaxAttempts implements BackoffStrategy.MaxAttempts
func (b *NoBackoff) MaxAttempts() int {
	return b.maxAttempts
}

// retry calls fn until it succeeds, the strategy runs out of attempts, or ctx ends.
// A nil strategy makes exactly one attempt. The last error is returned.
func retry(ctx context.Context, strategy BackoffStrategy, fn func(attempt int) error) error {
	attempts := 1
	if strategy != nil && strategy.MaxAttempts() > 1 {
		attempts = strategy.MaxAttempts()
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(strategy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v (last error: %v)", ErrCancelled, ctx.Err(), err)
		case <-timer.C:
		}
	}
	return err
}
