package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // failures exceeded, blocking requests
	StateHalfOpen State = "half_open" // probing whether the dependency recovered
)

// Settings configure a Breaker. Zero values fall back to the defaults.
type Settings struct {
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

const (
	DefaultFailureThreshold = 5
	DefaultTimeout          = 60 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// Breaker gates execution against a consistently failing dependency. It
// never returns errors itself: callers must consult CanExecute before
// attempting an operation and report the outcome afterwards.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	timeout          time.Duration
	halfOpenMaxCalls int

	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int

	// onTransition, when set, observes state changes (used for metrics).
	onTransition func(from, to State)
}

// Status is a read-only snapshot of breaker state for health reporting.
type Status struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	CanExecute      bool      `json:"can_execute"`
}

func New(settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	if settings.HalfOpenMaxCalls <= 0 {
		settings.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}

	return &Breaker{
		failureThreshold: settings.FailureThreshold,
		timeout:          settings.Timeout,
		halfOpenMaxCalls: settings.HalfOpenMaxCalls,
		state:            StateClosed,
	}
}

// OnTransition registers a callback invoked on every state change. Must be
// called before the breaker is shared across goroutines.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.onTransition = fn
}

// CanExecute reports whether a call may proceed. In the open state it moves
// to half-open once the timeout has elapsed since the last failure. Each
// permitted half-open call consumes one probe slot.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.lastFailureTime.IsZero() && time.Since(b.lastFailureTime) >= b.timeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.halfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}

	return false
}

// RecordSuccess reports a successful call. In half-open it closes the
// circuit; in closed it resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateClosed)
		b.failureCount = 0
		b.halfOpenCalls = 0
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed call. In half-open it reopens the circuit
// immediately; in closed it opens once the failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		b.halfOpenCalls = 0
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for health output. Unlike CanExecute it does not
// consume a half-open probe slot or trigger the open-to-half-open move.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	canExecute := false
	switch b.state {
	case StateClosed:
		canExecute = true
	case StateOpen:
		canExecute = !b.lastFailureTime.IsZero() && time.Since(b.lastFailureTime) >= b.timeout
	case StateHalfOpen:
		canExecute = b.halfOpenCalls < b.halfOpenMaxCalls
	}

	return Status{
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
		CanExecute:      canExecute,
	}
}

// transition changes state; caller must hold the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
