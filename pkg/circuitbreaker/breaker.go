// Package circuitbreaker guards calls to remote collaborators (SMTP relay,
// spamd, CalDAV servers, S3) so a failing dependency is skipped quickly
// instead of stalling every message behind its timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name string
	// MaxRequests is the number of probes let through while half-open.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	// IsSuccessful decides whether an error counts against the remote.
	IsSuccessful func(err error) bool
}

// Counts are reset on every state change.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	settings Settings

	mu       sync.Mutex
	state    State
	epoch    uint64 // bumped on every transition; stale results are dropped
	counts   Counts
	openedAt time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "CircuitBreaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = 60 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(counts Counts) bool { return counts.ConsecutiveFailures > 5 }
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}
	return &CircuitBreaker{settings: st}
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(time.Now())
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// refresh moves an open breaker to half-open once its timeout has passed.
// Caller holds mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.settings.Timeout {
		cb.transition(StateHalfOpen, now)
	}
}

// Caller holds mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.epoch++
	cb.counts = Counts{}
	if to == StateOpen {
		cb.openedAt = now
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}

// admit reserves a slot for one call and returns the epoch it belongs to.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(time.Now())
	switch {
	case cb.state == StateOpen:
		return cb.epoch, ErrCircuitBreakerOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.settings.MaxRequests:
		return cb.epoch, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}
	cb.counts.record(success)
	switch {
	case success && cb.state == StateHalfOpen:
		cb.transition(StateClosed, now)
	case !success && cb.state == StateHalfOpen:
		cb.transition(StateOpen, now)
	case !success && cb.settings.ReadyToTrip(cb.counts):
		cb.transition(StateOpen, now)
	}
}

// Run executes fn through the breaker and returns its typed result. A
// context that is already done is reported without touching the counts.
func Run[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	epoch, err := cb.admit()
	if err != nil {
		return zero, err
	}

	settled := false
	defer func() {
		if !settled {
			cb.settle(epoch, false)
		}
	}()

	res, err := fn(ctx)
	settled = true
	cb.settle(epoch, cb.settings.IsSuccessful(err))
	if err != nil {
		return zero, err
	}
	return res, nil
}

// Do executes fn through the breaker.
func Do(ctx context.Context, cb *CircuitBreaker, fn func(context.Context) error) error {
	_, err := Run(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// IsOpen reports whether err was produced by the breaker refusing a call.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

// DefaultSettings trips after threshold consecutive failures and probes
// again after timeout. State changes are logged and exported as a gauge
// labelled with name.
func DefaultSettings(name string, threshold int, timeout time.Duration, maxRequests int) Settings {
	if threshold <= 0 {
		threshold = 3
	}
	if maxRequests <= 0 {
		maxRequests = 1
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(gaugeValue(StateClosed))
	return Settings{
		Name:        name,
		MaxRequests: uint32(maxRequests),
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from State, to State) {
			logger.Warn("CircuitBreaker: state changed", "name", name, "from", from, "to", to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(gaugeValue(to))
		},
	}
}

func gaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}
