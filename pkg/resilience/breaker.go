package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Provider + ": rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after threshold consecutive counted failures. Once
// cooldown has passed a single trial call is let through: success closes
// the circuit, a counted failure opens it again. By default only rate
// limits count.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	counts    func(error) bool
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, counts: IsRateLimit, now: time.Now}
}

// CountAllErrors makes every failure count toward opening the circuit.
func (c *CircuitBreaker) CountAllErrors() *CircuitBreaker {
	c.counts = func(err error) bool { return err != nil }
	return c
}

// Allow reports whether a call may proceed. After cooldown the first caller
// gets the half-open trial and later callers are refused until it reports.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		if c.now().Sub(c.openedAt) < c.cooldown {
			return false
		}
		c.state = BreakerHalfOpen
		return true
	case BreakerHalfOpen:
		return false
	default:
		return true
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state, c.failures = BreakerClosed, 0
	c.mu.Unlock()
}

// OnError records a failed call. Errors that do not count still end a
// half-open trial, since the upstream did answer.
func (c *CircuitBreaker) OnError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.counts(err) {
		if c.state == BreakerHalfOpen {
			c.state, c.failures = BreakerClosed, 0
		}
		return
	}
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		c.state, c.failures, c.openedAt = BreakerOpen, 0, c.now()
	}
}

// Execute runs fn when the circuit allows it and records the outcome.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}
