package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sdk-batch-processor/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls flow through
	StateClosed State = "closed"
	// StateOpen means calls fail fast
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe quota is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures is the number of consecutive counted failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// HalfOpenMaxCalls is the number of successful probes needed to close again
	HalfOpenMaxCalls int
	// IsFailure decides whether an error counts against the endpoint.
	// Nil counts every non-nil error.
	IsFailure func(err error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker trips after consecutive endpoint failures and fails fast until the timeout elapses
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenCalls    int
	halfOpenOK       int
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		cfg:             cfg,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(ctx); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(ctx, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(ctx, StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	if !failed {
		cb.consecutiveFails = 0
		if cb.state == StateHalfOpen {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.HalfOpenMaxCalls {
				cb.setState(ctx, StateClosed)
			}
		}
		return
	}

	cb.consecutiveFails++
	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.cfg.MaxFailures {
			cb.setState(ctx, StateOpen)
		}
	case StateHalfOpen:
		cb.setState(ctx, StateOpen)
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(ctx context.Context, state State) {
	if cb.state == state {
		return
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"circuitBreaker":   cb.cfg.Name,
		"from":             cb.state,
		"to":               state,
		"consecutiveFails": cb.consecutiveFails,
	}).Warn("circuit breaker state change")

	cb.state = state
	cb.lastStateChange = cb.now()
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	if state == StateClosed {
		cb.consecutiveFails = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view of the breaker
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		LastStateChange:  cb.lastStateChange,
	}
}
