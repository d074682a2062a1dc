// Package circuitbreaker stops calling a failing dependency for a cool-down
// period, then lets a few trial calls through before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
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
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// OpenFor is how long an open breaker rejects calls.
	OpenFor time.Duration
	// FailureThreshold consecutive failures trip a closed breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive trial successes close a half-open one.
	SuccessThreshold uint32
	// MaxTrials bounds concurrent trial calls while half-open.
	MaxTrials     uint32
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

// Counts tallies outcomes since the last state change.
type Counts struct {
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64
	openedAt time.Time
	trials   uint32
	counts   Counts
}

type outcome int

const (
	succeeded outcome = iota
	failed
	abandoned
)

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxTrials == 0 {
		cfg.MaxTrials = 1
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitBreaker{name: name, cfg: cfg, logger: log, now: time.Now}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open. A call that ends because the
// caller's ctx was cancelled or hit its deadline says nothing about the
// dependency and is not counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, trial, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, trial, failed)
			panic(r)
		}
	}()

	err = fn()
	switch {
	case err == nil:
		cb.settle(epoch, trial, succeeded)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		cb.settle(epoch, trial, abandoned)
	default:
		cb.settle(epoch, trial, failed)
	}
	return err
}

// Call is Execute for operations that produce a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (cb *CircuitBreaker) admit() (epoch uint64, trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case StateOpen:
		return cb.epoch, false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.MaxTrials {
			return cb.epoch, false, ErrTooManyRequests
		}
		cb.trials++
		return cb.epoch, true, nil
	}
	return cb.epoch, false, nil
}

// settle records a finished call. Results from before the last state change
// are dropped.
func (cb *CircuitBreaker) settle(epoch uint64, trial bool, o outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if epoch != cb.epoch {
		return
	}
	if trial && cb.trials > 0 {
		cb.trials--
	}

	switch o {
	case succeeded:
		cb.counts.Successes++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	case failed:
		cb.counts.Failures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// current moves an expired open breaker to half-open. Callers hold mu.
func (cb *CircuitBreaker) current() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenFor {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.counts.ConsecutiveFailures

	cb.state = to
	cb.epoch++
	cb.trials = 0
	cb.counts = Counts{}
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("failures", failures),
	)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
