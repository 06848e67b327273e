package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the state of a breaker.
//
//	Closed (healthy) -> Open (tripped) -> HalfOpen (probing) -> Closed
//	                      ^                    |
//	                      +--------------------+ (probe failed)
type State int

const (
	// StateClosed is the normal operating state; calls pass through.
	StateClosed State = iota
	// StateOpen means the breaker tripped; calls fail immediately.
	StateOpen
	// StateHalfOpen means the cooldown elapsed and a few probe calls may pass.
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

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes that closes it again.
	SuccessThreshold int
	// Cooldown is how long a tripped breaker rejects calls before probing.
	Cooldown time.Duration
	// MaxProbes is the number of calls let through while half-open.
	MaxProbes int
}

// DefaultConfig returns defaults suited to HTTP proxies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		MaxProbes:        1,
	}
}

// Breaker counts consecutive failures of one route.
type Breaker struct {
	mu     sync.Mutex
	config Config
	name   string

	state     State
	failures  int
	successes int
	probes    int

	lastFailure time.Time
	lastChange  time.Time
	openedAt    time.Time
}

// NewBreaker creates a closed breaker. Zero config fields take defaults.
func NewBreaker(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}

	return &Breaker{
		config:     cfg,
		name:       name,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose cooldown elapsed
// reports half-open even before the next Allow moves it there.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Tripped reports whether the breaker currently rejects every call.
func (b *Breaker) Tripped() bool {
	return b.State() == StateOpen
}

// Allow reports whether a call may proceed. Once the cooldown elapsed the
// breaker moves to half-open and lets MaxProbes calls through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probes < b.config.MaxProbes {
			b.probes++
			return true
		}
	}
	rejectionsTotal.WithLabelValues(b.name).Inc()
	return false
}

// advanceLocked moves an open breaker whose cooldown elapsed to half-open,
// so outcomes recorded from then on count as probe results.
func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	outcomesTotal.WithLabelValues(b.name, "success").Inc()
	b.advanceLocked()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// A call admitted before the trip finished late.
		log.WithField("breaker", b.name).Debug("success recorded while open")
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	outcomesTotal.WithLabelValues(b.name, "failure").Inc()
	b.lastFailure = time.Now()
	b.advanceLocked()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// Record records the outcome of a call. Context cancellation is the
// caller's doing and is not held against the route.
func (b *Breaker) Record(err error) {
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		b.RecordFailure()
	}
}

// transitionLocked changes state. Caller must hold the lock.
func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}

	from := b.state
	b.state = to
	b.lastChange = time.Now()

	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateOpen:
		b.openedAt = time.Now()
		b.successes = 0
		tripsTotal.WithLabelValues(b.name).Inc()
	case StateHalfOpen:
		b.successes = 0
		b.probes = 0
	}
	stateGauge.WithLabelValues(b.name).Set(float64(to))

	log.WithField("breaker", b.name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Info("breaker state transition")
}

// Stats is a snapshot of breaker state.
type Stats struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
	LastChange  time.Time
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:        b.name,
		State:       b.stateLocked(),
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		LastChange:  b.lastChange,
	}
}
