package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It is wrapped
// in ErrProviderUnavailable by BreakingFetcher so webhooks are retried.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after failureThreshold consecutive failures and lets
// one probe through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	now           func() time.Time
	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a closed breaker. onStateChange may be nil.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the breaker is open. Only errors for which
// countFailure returns true move the breaker toward open; other errors are
// returned without touching its state.
func (cb *CircuitBreaker) Execute(fn func() error, countFailure func(error) bool) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.Success()
	case countFailure == nil || countFailure(err):
		cb.Failure()
	}
	return err
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probing := cb.currentState() == StateHalfOpen
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if probing || (cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// BreakingFetcher guards a SubscriptionFetcher with a CircuitBreaker. Provider
// outages trip the breaker; rejections such as an unknown subscription do not.
type BreakingFetcher struct {
	next    SubscriptionFetcher
	breaker *CircuitBreaker
}

// NewBreakingFetcher wraps next.
func NewBreakingFetcher(next SubscriptionFetcher, breaker *CircuitBreaker) *BreakingFetcher {
	return &BreakingFetcher{next: next, breaker: breaker}
}

// FetchSubscription implements SubscriptionFetcher
func (f *BreakingFetcher) FetchSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionDetail, error) {
	var detail *SubscriptionDetail
	err := f.breaker.Execute(func() error {
		var err error
		detail, err = f.next.FetchSubscription(ctx, subscriptionRef)
		return err
	}, func(err error) bool {
		return errors.Is(err, ErrProviderUnavailable)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return detail, err
}
