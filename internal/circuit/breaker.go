// Package circuit guards object store backends. A breaker per bucket opens
// after repeated transport failures so that callers fail fast with
// UNAVAILABLE instead of waiting on a store that is down.
package circuit

import (
	"context"
	"sync"
	"time"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - a limited number of probe requests pass through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that open the breaker
	FailureThreshold uint32

	// Probe requests allowed while half-open
	MaxRequests uint32

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration

	// Called when state changes
	OnStateChange func(name string, from State, to State)

	// Decides whether an error counts against the backend. Defaults to
	// IsTransportFailure.
	IsFailure func(err error) bool
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = IsTransportFailure
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// IsTransportFailure counts only UNAVAILABLE errors. Lookup and argument
// failures prove the backend answered.
func IsTransportFailure(err error) bool {
	return err != nil && gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable)
}

// Execute runs fn if the breaker allows it. A rejected call returns an
// UNAVAILABLE error without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateOpen:
		return gedserrors.Unavailable("object store %s is unavailable", cb.name).
			WithComponent("circuit").
			WithDetail("state", StateOpen.String())
	case StateHalfOpen:
		if cb.counts.Requests >= cb.config.MaxRequests {
			return gedserrors.Unavailable("object store %s is recovering", cb.name).
				WithComponent("circuit").
				WithDetail("state", StateHalfOpen.String())
		}
	}

	cb.counts.Requests++
	cb.counts.LastActivity = time.Now()
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	if !cb.config.IsFailure(err) {
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.Timeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}

	cb.state = state
	cb.counts = Counts{}
	if state == StateOpen {
		cb.openedAt = now
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.currentState(time.Now())
}

// GetCounts returns a copy of the current counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Reset closes the breaker and clears its counts
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts = Counts{}
	cb.setState(StateClosed, time.Now())
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Manager keeps one breaker per bucket
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker gets or creates the breaker for bucket
func (m *Manager) GetBreaker(bucket string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[bucket]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[bucket]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(bucket, m.config)
	m.breakers[bucket] = breaker
	return breaker
}

// RemoveBreaker drops the breaker for bucket, e.g. after its endpoint changed
func (m *Manager) RemoveBreaker(bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, bucket)
}

// OpenBreakers lists the buckets whose breaker is currently open
func (m *Manager) OpenBreakers() []string {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	var open []string
	for _, breaker := range breakers {
		if breaker.GetState() == StateOpen {
			open = append(open, breaker.Name())
		}
	}
	return open
}
