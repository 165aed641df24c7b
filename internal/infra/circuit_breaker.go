package infra

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Run while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, calls rejected
	StateHalfOpen              // one trial call allowed
)

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

// CircuitBreaker stops a background job from hammering a failing resource,
// such as snapshot writes to a full disk. Safe for concurrent use.
type CircuitBreaker struct {
	name string
	log  *slog.Logger
	now  func() time.Time
	mu   sync.Mutex

	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // time open before a trial call
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         15 * time.Minute,
	}
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		log:              logger,
		now:              time.Now,
		state:            StateClosed,
		failureThreshold: max(cfg.FailureThreshold, 1),
		successThreshold: max(cfg.SuccessThreshold, 1),
		cooldown:         cfg.Cooldown,
	}
}

// Run calls fn unless the breaker is open, and records its outcome.
func (cb *CircuitBreaker) Run(fn func() error) error {
	if !cb.allow() {
		return ErrBreakerOpen
	}
	err := fn()
	if err != nil {
		cb.recordFailure(err)
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.log.Info("Circuit breaker HALF_OPEN", slog.String("name", cb.name))
	}
	return true
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.log.Info("Circuit breaker CLOSED (recovered)", slog.String("name", cb.name))
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.open()
			cb.log.Warn("Circuit breaker OPEN (failures exceeded threshold)",
				slog.String("name", cb.name),
				slog.Int("failures", cb.failureCount),
				slog.Any("error", err))
		}
	case StateHalfOpen:
		cb.open()
		cb.log.Warn("Circuit breaker OPEN (trial call failed)",
			slog.String("name", cb.name), slog.Any("error", err))
	}
}

// must be called with mu held
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successCount = 0
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
}
