package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"task-hierarchy/backend/internal/domain"
)

type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

type CircuitBreakerConfig struct {
	MaxFailures      int           `json:"max_failures"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker trips after MaxFailures consecutive backend failures and
// rejects calls until Timeout has passed, then admits HalfOpenMaxCalls
// trial calls before closing again.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           CircuitBreakerState
	failureCount    int
	successCount    int
	inFlight        int
	lastFailureTime time.Time

	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int
}

func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	return &CircuitBreaker{
		state:            CircuitBreakerClosed,
		maxFailures:      config.MaxFailures,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
	}
}

// Execute runs fn unless the breaker is open. Only errors for which
// countsAsFailure returns true move the breaker towards open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn()

	if err != nil && countsAsFailure(err) {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return err
}

// Domain outcomes are answers from a healthy backend.
func countsAsFailure(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindNotFound, domain.KindValidation, domain.KindConflict:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if time.Since(cb.lastFailureTime) < cb.timeout {
			return false
		}
		cb.state = CircuitBreakerHalfOpen
		cb.successCount = 0
		cb.inFlight = 1
		return true
	case CircuitBreakerHalfOpen:
		if cb.successCount+cb.inFlight >= cb.halfOpenMaxCalls {
			return false
		}
		cb.inFlight++
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitBreakerClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = CircuitBreakerOpen
		}
	case CircuitBreakerHalfOpen:
		cb.state = CircuitBreakerOpen
		cb.successCount = 0
		cb.inFlight = 0
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		cb.failureCount = 0
	case CircuitBreakerHalfOpen:
		cb.inFlight--
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.state = CircuitBreakerClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.inFlight = 0
		}
	}
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":           cb.state.String(),
		"failure_count":   cb.failureCount,
		"success_count":   cb.successCount,
		"last_failure":    cb.lastFailureTime.Unix(),
		"max_failures":    cb.maxFailures,
		"timeout_seconds": cb.timeout.Seconds(),
	}
}

// Breaker decorates a Gateway with a CircuitBreaker. Rejected calls fail
// with a StoreError wrapping ErrCircuitBreakerOpen.
type Breaker struct {
	next Gateway
	cb   *CircuitBreaker
}

func NewBreaker(next Gateway, config *CircuitBreakerConfig) *Breaker {
	return &Breaker{next: next, cb: NewCircuitBreaker(config)}
}

func (b *Breaker) CircuitBreaker() *CircuitBreaker { return b.cb }

func (b *Breaker) do(op string, c Collection, fn func() error) error {
	err := b.cb.Execute(fn)
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return &domain.StoreError{Op: op, Collection: string(c), Err: err}
	}
	return err
}

func (b *Breaker) Create(ctx context.Context, c Collection, id string, doc Document) (out Document, err error) {
	err = b.do("create", c, func() error {
		out, err = b.next.Create(ctx, c, id, doc)
		return err
	})
	return out, err
}

func (b *Breaker) Get(ctx context.Context, c Collection, id string) (out Document, err error) {
	err = b.do("get", c, func() error {
		out, err = b.next.Get(ctx, c, id)
		return err
	})
	return out, err
}

func (b *Breaker) List(ctx context.Context, c Collection, f Filter) (out []Document, err error) {
	err = b.do("list", c, func() error {
		out, err = b.next.List(ctx, c, f)
		return err
	})
	return out, err
}

func (b *Breaker) Patch(ctx context.Context, c Collection, id string, fields Document) (out Document, err error) {
	err = b.do("patch", c, func() error {
		out, err = b.next.Patch(ctx, c, id, fields)
		return err
	})
	return out, err
}

func (b *Breaker) Delete(ctx context.Context, c Collection, id string) error {
	return b.do("delete", c, func() error {
		return b.next.Delete(ctx, c, id)
	})
}

func (b *Breaker) AppendToList(ctx context.Context, c Collection, id, field, value string) (out Document, err error) {
	err = b.do("append", c, func() error {
		out, err = b.next.AppendToList(ctx, c, id, field, value)
		return err
	})
	return out, err
}

// Ping bypasses the breaker so health checks see the backend directly.
func (b *Breaker) Ping(ctx context.Context) error { return b.next.Ping(ctx) }

func (b *Breaker) Close() error { return b.next.Close() }
