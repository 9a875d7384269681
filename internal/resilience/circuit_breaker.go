package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed - normal operation, calls pass through
	CircuitClosed CircuitState = iota
	// CircuitOpen - calls fail immediately
	CircuitOpen
	// CircuitHalfOpen - probing whether the backend recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen    = errors.New("circuit is open")
	ErrCircuitTimeout = errors.New("circuit breaker timeout")
)

type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Timeout          time.Duration // Time to stay open before probing
	RequestTimeout   time.Duration // Deadline for a single call
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

// CircuitBreaker guards calls to a storage or broker backend.
type CircuitBreaker struct {
	name            string
	config          *CircuitBreakerConfig
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
	lastFailure     time.Time
	onStateChange   func(name string, from, to CircuitState)
	now             func() time.Time
	mu              sync.Mutex
}

func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

func (c *CircuitBreaker) Name() string { return c.name }

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a callback invoked on every transition.
func (c *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// Execute runs fn if the circuit allows it, bounded by RequestTimeout.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.allowRequest() {
		return ErrCircuitOpen
	}

	callCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.Join(ErrCircuitTimeout, err)
	}
	c.recordResult(err)
	return err
}

func (c *CircuitBreaker) allowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if c.now().Sub(c.lastStateChange) >= c.config.Timeout {
			c.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (c *CircuitBreaker) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failures = 0
		if c.state == CircuitHalfOpen {
			c.successes++
			if c.successes >= c.config.SuccessThreshold {
				c.setState(CircuitClosed)
			}
		}
		return
	}

	c.failures++
	c.lastFailure = c.now()
	if c.state == CircuitHalfOpen || (c.state == CircuitClosed && c.failures >= c.config.FailureThreshold) {
		c.setState(CircuitOpen)
	}
}

// setState changes the circuit state. Caller holds the lock.
func (c *CircuitBreaker) setState(state CircuitState) {
	if c.state == state {
		return
	}
	from := c.state
	c.state = state
	c.lastStateChange = c.now()
	c.successes = 0
	if state == CircuitClosed {
		c.failures = 0
	}
	if c.onStateChange != nil {
		c.onStateChange(c.name, from, state)
	}
}

// Reset closes the circuit.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(CircuitClosed)
	c.failures = 0
}

func (c *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:            c.name,
		State:           c.state.String(),
		Failures:        c.failures,
		LastStateChange: c.lastStateChange,
		LastFailure:     c.lastFailure,
	}
}

type CircuitBreakerMetrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastStateChange time.Time `json:"last_state_change"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
}

// CircuitBreakerManager indexes the breakers of the process for /admin/stats.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

func (m *CircuitBreakerManager) Register(cb *CircuitBreaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[cb.Name()] = cb
}

func (m *CircuitBreakerManager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// Metrics returns metrics for all breakers, sorted by name.
func (m *CircuitBreakerManager) Metrics() []CircuitBreakerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CircuitBreakerMetrics, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
