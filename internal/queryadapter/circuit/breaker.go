// Package circuit implements a per-database-ref circuit breaker so one
// unreachable backend can't be hammered with a SELECT 1 probe and a full
// query round trip on every scheduler tick.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker's current posture toward new calls.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Config tunes the trip/recovery thresholds.
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Breaker guards one database ref: after FailureThreshold consecutive
// query failures it opens and rejects calls until the backoff elapses,
// then admits half-open probes one at a time, closing after
// SuccessThreshold consecutive successes or re-opening on a failure.
type Breaker struct {
	mu sync.RWMutex

	name   string
	config Config
	state  State

	consecutiveFailures  int
	consecutiveSuccesses int
	lastError            error
	lastFailure          time.Time

	currentBackoff  time.Duration
	openedAt        time.Time
	probeInFlight   bool

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64
}

func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 5 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &Breaker{name: name, config: config, state: StateClosed, currentBackoff: config.InitialBackoff}
}

// Allow reports whether a call should proceed, transitioning open->half-open
// once the backoff has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.totalSuccesses++

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
			b.currentBackoff = b.config.InitialBackoff
		}
	}
}

func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	b.lastError = err
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.totalFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.config.BackoffMultiplier)
		if b.currentBackoff > b.config.MaxBackoff {
			b.currentBackoff = b.config.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = time.Now()
	b.probeInFlight = false
	b.totalTrips++
	log.Warn().Str("breaker", b.name).Dur("backoff", b.currentBackoff).Err(err).Msg("circuit breaker tripped")
}

func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	b.state = next
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status summarizes the breaker for the health probe.
type Status struct {
	Name                string
	State               string
	ConsecutiveFailures int
	LastError           string
	TotalTrips          int64
}

func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	status := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalTrips:          b.totalTrips,
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}
	return status
}
