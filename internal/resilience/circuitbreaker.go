// Package resilience provides the circuit breaker that guards outbound POS
// traffic. A provider that fails in bursts takes 30s of HTTP timeouts per
// call; the breaker converts that into an immediate [ErrCircuitOpen] until a
// probe shows the provider is back.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen rejects a call while the breaker is open. Callers translate
// it into their own try-again-later handling.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout has passed.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough probe
	// successes close the breaker; a single probe failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields select the
// defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state and the number
	// of probe successes that close the breaker. Default 3.
	HalfOpenMax int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// CircuitBreaker sheds load from a dependency that keeps failing. It is safe
// for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker builds a breaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. The error from fn
// comes back unwrapped, so callers can classify it regardless of what the
// breaker did with it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.record(err, probe)
	return err
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeWins = 0, 0
		cb.log.Info("circuit breaker half-open", "name", cb.name)
	}

	if cb.probes >= cb.halfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

// record books the outcome of an admitted call.
func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && probe:
		if cb.state != StateHalfOpen {
			return
		}
		cb.probeWins++
		if cb.probeWins >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.log.Info("circuit breaker closed", "name", cb.name)
		}
	case err == nil:
		cb.failures = 0
	case probe:
		cb.trip("probe failed")
	default:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip("consecutive failures")
		}
	}
}

// trip opens the breaker and restarts the reset clock. Callers hold cb.mu.
func (cb *CircuitBreaker) trip(cause string) {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.log.Warn("circuit breaker opened",
		"name", cb.name,
		"cause", cause,
		"failures", cb.failures,
	)
}

// State reports the mode the next call will see. An open breaker past its
// reset timeout reports half-open; the stored state catches up on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes, cb.probeWins = 0, 0
	cb.log.Info("circuit breaker reset", "name", cb.name)
}
