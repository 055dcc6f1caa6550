package observability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitState = iota
	// StateOpen indicates the circuit is open and calls are rejected until
	// the cool-down elapses.
	StateOpen
	// StateHalfOpen indicates a trial state where a single probe call is
	// allowed to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerConfig shapes the sliding window and cool-down behavior.
type BreakerConfig struct {
	// WindowSize is the number of most recent calls considered.
	WindowSize int
	// FailureRatio opens the circuit when failures/samples reaches it.
	FailureRatio float64
	// MinSamples gates the ratio check so a couple of early failures do not
	// trip the breaker.
	MinSamples int
	// CoolDown is the initial open duration before a half-open probe.
	CoolDown time.Duration
	// MaxCoolDown caps cool-down growth on repeated trips. Zero disables
	// growth.
	MaxCoolDown time.Duration
}

// DefaultBreakerConfig returns the breaker policy used for the enrichment
// dependency.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:   50,
		FailureRatio: 0.3,
		MinSamples:   10,
		CoolDown:     30 * time.Second,
		MaxCoolDown:  5 * time.Minute,
	}
}

// CircuitBreaker guards a single downstream dependency. Its counters and
// transitions are the only shared mutable state in the pipeline and are
// updated under a mutex; one instance is shared by all workers calling the
// same dependency.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string
	cfg  BreakerConfig

	state    CircuitState
	window   []bool // ring of recent outcomes, true = failure
	next     int
	filled   int
	failures int

	openedAt      time.Time
	coolDown      time.Duration
	probeInFlight bool

	totalRequests int64
	totalFailures int64
	rejected      int64
	stateChanges  int64

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultBreakerConfig().WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	return &CircuitBreaker{
		name:     name,
		cfg:      cfg,
		state:    StateClosed,
		window:   make([]bool, cfg.WindowSize),
		coolDown: cfg.CoolDown,
		now:      time.Now,
	}
}

// Execute runs op through the breaker. When the circuit is open it returns
// an error wrapping domain.ErrCircuitOpen without invoking op; callers must
// treat that as "retry later", never as a permanent failure of the input.
func (cb *CircuitBreaker) Execute(ctx domain.Context, op func(domain.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// allow decides whether a call may proceed, transitioning OPEN->HALF_OPEN
// when the cool-down has elapsed. In half-open exactly one probe is let
// through.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.coolDown {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return nil
		}
	case StateHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			return nil
		}
	}
	cb.rejected++
	BreakerRejectedTotal.WithLabelValues(cb.name).Inc()
	return fmt.Errorf("%s: %w", cb.name, domain.ErrCircuitOpen)
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch cb.state {
	case StateHalfOpen:
		// Probe succeeded: close and forget the window.
		cb.probeInFlight = false
		cb.resetWindow()
		cb.coolDown = cb.cfg.CoolDown
		cb.transition(StateClosed)
	case StateClosed:
		cb.push(false)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	switch cb.state {
	case StateHalfOpen:
		// Probe failed: reopen and restart the cool-down, growing it on
		// repeated trips.
		cb.probeInFlight = false
		cb.openedAt = cb.now()
		cb.growCoolDown()
		cb.transition(StateOpen)
	case StateClosed:
		cb.push(true)
		if cb.filled >= cb.cfg.MinSamples {
			ratio := float64(cb.failures) / float64(cb.filled)
			if ratio >= cb.cfg.FailureRatio {
				cb.openedAt = cb.now()
				cb.transition(StateOpen)
			}
		}
	}
}

// push records one outcome into the sliding window.
func (cb *CircuitBreaker) push(failure bool) {
	if cb.filled == len(cb.window) {
		if cb.window[cb.next] {
			cb.failures--
		}
	} else {
		cb.filled++
	}
	cb.window[cb.next] = failure
	if failure {
		cb.failures++
	}
	cb.next = (cb.next + 1) % len(cb.window)
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.next = 0
	cb.filled = 0
	cb.failures = 0
}

func (cb *CircuitBreaker) growCoolDown() {
	if cb.cfg.MaxCoolDown <= 0 {
		return
	}
	cb.coolDown *= 2
	if cb.coolDown > cb.cfg.MaxCoolDown {
		cb.coolDown = cb.cfg.MaxCoolDown
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChanges++
	BreakerTransitionsTotal.WithLabelValues(cb.name, to.String()).Inc()
	slog.Info("circuit breaker state change",
		slog.String("name", cb.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Duration("cool_down", cb.coolDown))
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot for the ops endpoint.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failureRate := 0.0
	if cb.filled > 0 {
		failureRate = float64(cb.failures) / float64(cb.filled)
	}
	return map[string]any{
		"name":            cb.name,
		"state":           cb.state.String(),
		"window_size":     cb.cfg.WindowSize,
		"window_samples":  cb.filled,
		"window_failures": cb.failures,
		"failure_rate":    failureRate,
		"failure_ratio":   cb.cfg.FailureRatio,
		"cool_down":       cb.coolDown.String(),
		"opened_at":       cb.openedAt.Format(time.RFC3339),
		"total_requests":  cb.totalRequests,
		"total_failures":  cb.totalFailures,
		"rejected":        cb.rejected,
		"state_changes":   cb.stateChanges,
	}
}
