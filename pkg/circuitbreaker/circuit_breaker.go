package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a request without executing it.
type ErrOpen struct {
	Name  string
	State State
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before opening the circuit
	FailureThreshold int `json:"failure_threshold"`

	// Successes in half-open before closing the circuit
	SuccessThreshold int `json:"success_threshold"`

	// Cooldown before attempting a half-open probe
	Cooldown time.Duration `json:"cooldown"`

	// Request timeout applied when the caller's context has no deadline
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern around an unreliable
// downstream peer.
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config *Config

	mutex       sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time

	// Statistics
	totalRequests    int64
	rejectedRequests int64
	failedRequests   int64
}

// New creates a new circuit breaker
func New(name string, config *Config, logger *logrus.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		state:  StateClosed,
	}
}

// Execute runs the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		cb.mutex.Lock()
		cb.rejectedRequests++
		state := cb.state
		cb.mutex.Unlock()
		return &ErrOpen{Name: cb.name, State: state}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure(err)
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats returns request counters for introspection
func (cb *CircuitBreaker) Stats() (total, rejected, failed int64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.totalRequests, cb.rejectedRequests, cb.failedRequests
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().After(cb.nextAttempt) {
			cb.transitionLocked(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failedRequests++
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openLocked(err)
		}
	case StateHalfOpen:
		cb.openLocked(err)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) openLocked(err error) {
	cb.nextAttempt = time.Now().Add(cb.config.Cooldown)
	cb.transitionLocked(StateOpen)
	cb.logger.WithError(err).WithField("cooldown", cb.config.Cooldown).Warn("Circuit breaker opened")
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.successes = 0

	cb.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("Circuit breaker state changed")
}
