// Package circuitbreaker implements a per-dependency circuit breaker with a
// CLOSED/OPEN/HALF_OPEN state machine (spec.md §4.2) and a process-wide
// registry of named breakers. It protects outbound dependencies (the graph
// database, remote peers, webhooks) from cascading failure with a sliding
// failure window and an explicit recovery probe: while a circuit is open,
// calls are rejected immediately instead of reaching the failing dependency.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker's position in its state machine.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Error is returned by Call when a breaker rejects the call outright. It
// carries enough detail for callers (and the Scheduler, which treats this as
// a non-failure) to react without inspecting breaker internals.
type Error struct {
	Name            string
	State           State
	RecoverySeconds float64
}

func (e *Error) Error() string {
	if e.RecoverySeconds > 0 {
		return fmt.Sprintf("circuit %q is %s, recovery in %.1fs", e.Name, e.State, e.RecoverySeconds)
	}
	return fmt.Sprintf("circuit %q is %s", e.Name, e.State)
}

// ErrCircuitOpen is a sentinel usable with errors.Is against a *Error.
var ErrCircuitOpen = errors.New("circuit breaker: call rejected")

// Is allows errors.Is(err, ErrCircuitOpen) to match a *Error.
func (e *Error) Is(target error) bool { return target == ErrCircuitOpen }

// Config tunes one breaker's behavior (spec.md §4.2, §6).
type Config struct {
	FailureThreshold     int
	FailureRateThreshold float64
	WindowSize           int
	MinCallsForRate      int
	SuccessThreshold     int
	RecoveryTimeout      time.Duration
	CallTimeout          time.Duration // zero disables the per-call timeout
	HalfOpenMaxCalls     int

	// IsExcluded reports whether an error returned by the wrapped call
	// represents a business-level negative answer rather than a dependency
	// failure (spec.md §4.2 step 4). Excluded errors are recorded as
	// successes. Nil means nothing is excluded.
	IsExcluded func(error) bool
}

// DefaultConfig returns reasonable defaults, matching the donor's
// CircuitBreakerConfig() zero value.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinCallsForRate:      5,
		SuccessThreshold:     2,
		RecoveryTimeout:      30 * time.Second,
		CallTimeout:          30 * time.Second,
		HalfOpenMaxCalls:     3,
	}
}

// transition records one state change for audit (spec.md §3.6).
type transition struct {
	At   time.Time
	From State
	To   State
}

// Status is an immutable snapshot of a breaker's counters and state,
// returned by GetStatus so callers never see a breaker mid-mutation.
type Status struct {
	Name                string
	State               State
	TotalCalls          int64
	SuccessfulCalls      int64
	FailedCalls          int64
	RejectedCalls        int64
	TimeoutCalls         int64
	FailureRate          float64
	LastFailure          time.Time
	LastSuccess          time.Time
	OpenedAt             time.Time
	StateTransitionCount int
	RecoverySeconds      float64
}

// Breaker is a single named circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	state            State
	totalCalls       int64
	successfulCalls  int64
	failedCalls      int64
	rejectedCalls    int64
	timeoutCalls     int64
	recentSuccesses  []time.Time
	recentFailures   []time.Time
	transitions      []transition
	lastFailure      time.Time
	lastSuccess      time.Time
	openedAt         time.Time
	halfOpenSuccess  int
	halfOpenFailures int
	listeners        []func(old, new State)
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	b := &Breaker{name: name, cfg: cfg, logger: logger, state: Closed}
	logger.Info("circuit breaker created",
		slog.String("name", name),
		slog.Int("failure_threshold", cfg.FailureThreshold),
		slog.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return b
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state under lock.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AddListener registers a callback invoked (old, new) on every state
// transition. A listener panic is recovered and logged by the breaker,
// never surfaced to breaker semantics (spec.md §4.2 "Listeners").
func (b *Breaker) AddListener(fn func(old, new State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *Breaker) notifyListeners(old, new State) {
	for _, fn := range b.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("circuit breaker listener panicked",
						slog.String("name", b.name), slog.Any("recover", r))
				}
			}()
			fn(old, new)
		}()
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(newState State) {
	if newState == b.state {
		return
	}
	old := b.state
	b.state = newState
	b.transitions = append(b.transitions, transition{At: time.Now(), From: old, To: newState})

	switch newState {
	case Open:
		b.openedAt = time.Now()
	case HalfOpen:
		b.halfOpenSuccess = 0
		b.halfOpenFailures = 0
	case Closed:
		b.recentSuccesses = nil
		b.recentFailures = nil
		b.openedAt = time.Time{}
	}

	b.logger.Info("circuit breaker state change",
		slog.String("name", b.name),
		slog.String("old_state", string(old)),
		slog.String("new_state", string(newState)),
	)

	b.notifyListeners(old, newState)
}

// shouldAllow must be called with mu held, after any OPEN->HALF_OPEN
// transition has already been evaluated.
func (b *Breaker) shouldAllow() bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	case HalfOpen:
		return b.halfOpenSuccess+b.halfOpenFailures < b.cfg.HalfOpenMaxCalls
	default:
		return false
	}
}

// recoverySeconds must be called with mu held.
func (b *Breaker) recoverySeconds() float64 {
	if b.state != Open || b.openedAt.IsZero() {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining.Seconds()
}

// trimWindow must be called with mu held. Drops the globally-oldest entry
// across both lists until the combined size is within WindowSize.
func (b *Breaker) trimWindow() {
	for len(b.recentSuccesses)+len(b.recentFailures) > b.cfg.WindowSize {
		switch {
		case len(b.recentSuccesses) == 0:
			b.recentFailures = b.recentFailures[1:]
		case len(b.recentFailures) == 0:
			b.recentSuccesses = b.recentSuccesses[1:]
		case b.recentSuccesses[0].Before(b.recentFailures[0]):
			b.recentSuccesses = b.recentSuccesses[1:]
		default:
			b.recentFailures = b.recentFailures[1:]
		}
	}
}

func (b *Breaker) failureRate() float64 {
	total := len(b.recentSuccesses) + len(b.recentFailures)
	if total == 0 {
		return 0
	}
	return float64(len(b.recentFailures)) / float64(total)
}

// shouldOpen must be called with mu held.
func (b *Breaker) shouldOpen() bool {
	failures := len(b.recentFailures)
	if b.cfg.FailureThreshold > 0 && failures >= b.cfg.FailureThreshold {
		return true
	}
	total := len(b.recentSuccesses) + len(b.recentFailures)
	if b.cfg.MinCallsForRate > 0 && total >= b.cfg.MinCallsForRate {
		if b.failureRate() >= b.cfg.FailureRateThreshold {
			return true
		}
	}
	return false
}

// recordSuccess must be called with mu held.
func (b *Breaker) recordSuccess() {
	now := time.Now()
	b.totalCalls++
	b.successfulCalls++
	b.lastSuccess = now

	switch b.state {
	case Closed:
		b.recentSuccesses = append(b.recentSuccesses, now)
		b.trimWindow()
	case HalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.setState(Closed)
		}
	}
}

// recordFailure must be called with mu held.
func (b *Breaker) recordFailure() {
	now := time.Now()
	b.totalCalls++
	b.failedCalls++
	b.lastFailure = now

	switch b.state {
	case Closed:
		b.recentFailures = append(b.recentFailures, now)
		b.trimWindow()
		if b.shouldOpen() {
			b.setState(Open)
		}
	case HalfOpen:
		b.halfOpenFailures++
		b.setState(Open)
	}
}

// admit evaluates OPEN->HALF_OPEN recovery and admission under lock. On
// rejection it returns a populated *Error and increments rejectedCalls.
func (b *Breaker) admit() *Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && !b.openedAt.IsZero() && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setState(HalfOpen)
	}

	if !b.shouldAllow() {
		b.rejectedCalls++
		return &Error{Name: b.name, State: b.state, RecoverySeconds: b.recoverySeconds()}
	}
	return nil
}

// Call executes fn through the breaker (spec.md §4.2 "Call semantics").
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if rejErr := b.admit(); rejErr != nil {
		return zero, rejErr
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	result, err := fn(callCtx)

	if err != nil && b.cfg.CallTimeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		b.mu.Lock()
		b.timeoutCalls++
		b.recordFailure()
		b.mu.Unlock()
		return zero, fmt.Errorf("circuit %q: call timed out after %s: %w", b.name, b.cfg.CallTimeout, err)
	}

	if err != nil && b.cfg.IsExcluded != nil && b.cfg.IsExcluded(err) {
		b.mu.Lock()
		b.recordSuccess()
		b.mu.Unlock()
		return result, err
	}

	b.mu.Lock()
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	b.mu.Unlock()

	return result, err
}

// Reset clears all stats and returns the breaker to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls, b.successfulCalls, b.failedCalls = 0, 0, 0
	b.rejectedCalls, b.timeoutCalls = 0, 0
	b.recentSuccesses, b.recentFailures = nil, nil
	b.halfOpenSuccess, b.halfOpenFailures = 0, 0
	b.lastFailure, b.lastSuccess, b.openedAt = time.Time{}, time.Time{}, time.Time{}
	old := b.state
	b.state = Closed
	if old != Closed {
		b.transitions = append(b.transitions, transition{At: time.Now(), From: old, To: Closed})
		b.notifyListeners(old, Closed)
	}
	b.logger.Info("circuit breaker reset", slog.String("name", b.name))
}

// ForceOpen manually opens the circuit. A positive duration replaces the
// configured recovery timeout, for this and every later open period.
func (b *Breaker) ForceOpen(duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(Open)
	b.openedAt = time.Now()
	if duration > 0 {
		b.cfg.RecoveryTimeout = duration
	}
	b.logger.Info("circuit breaker forced open", slog.String("name", b.name), slog.Duration("duration", duration))
}

// GetStatus returns a point-in-time snapshot safe for external readers.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:                 b.name,
		State:                b.state,
		TotalCalls:           b.totalCalls,
		SuccessfulCalls:      b.successfulCalls,
		FailedCalls:          b.failedCalls,
		RejectedCalls:        b.rejectedCalls,
		TimeoutCalls:         b.timeoutCalls,
		FailureRate:          b.failureRate(),
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
		OpenedAt:             b.openedAt,
		StateTransitionCount: len(b.transitions),
		RecoverySeconds:      b.recoverySeconds(),
	}
}
