// Package breaker gates outbound calls to the chat backend based on failure history.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	CoolDown         time.Duration
}

// DefaultConfig returns default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// Breaker is a CLOSED / OPEN / HALF_OPEN circuit breaker.
//
// Every transition happens under mu, so concurrent success and failure reports
// never lose updates. While HALF_OPEN, probeInFlight admits exactly one caller;
// everyone else is rejected until that probe reports back.
type Breaker struct {
	mu                  sync.Mutex
	state               domain.BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	threshold int
	coolDown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a closed breaker.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultConfig().CoolDown
	}
	return &Breaker{
		state:     domain.BreakerClosed,
		threshold: cfg.FailureThreshold,
		coolDown:  cfg.CoolDown,
		now:       time.Now,
		logger:    logger,
	}
}

// Allow reports whether a transport attempt may proceed. It must be called
// before every attempt, and every true result must be followed by exactly one
// RecordSuccess, RecordFailure or Abandon.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.transition(domain.BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case domain.BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == domain.BreakerHalfOpen {
		b.probeInFlight = false
		b.openedAt = time.Time{}
		b.transition(domain.BreakerClosed)
	}
}

// RecordFailure reports a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	switch b.state {
	case domain.BreakerClosed:
		if b.consecutiveFailures >= b.threshold {
			b.openedAt = b.now()
			b.transition(domain.BreakerOpen)
		}
	case domain.BreakerHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		b.transition(domain.BreakerOpen)
	}
}

// Abandon releases an admission whose attempt never reached a verdict, such as
// a call cancelled by its caller. A HALF_OPEN breaker admits the next probe.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == domain.BreakerHalfOpen {
		b.probeInFlight = false
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.probeInFlight = false
	if b.state != domain.BreakerClosed {
		b.transition(domain.BreakerClosed)
	}
	b.logger.Info("Circuit breaker reset")
}

// State returns a copy of the breaker state.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := domain.CircuitState{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		cs.OpenedAt = &at
	}
	return cs
}

// RetryAfter returns how long until an open breaker admits a probe.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != domain.BreakerOpen {
		return 0
	}
	if d := b.coolDown - b.now().Sub(b.openedAt); d > 0 {
		return d
	}
	return 0
}

// transition must be called with mu held.
func (b *Breaker) transition(to domain.BreakerState) {
	from := b.state
	b.state = to
	b.logger.Info("Circuit breaker state changed",
		"from", from,
		"to", to,
		"consecutive_failures", b.consecutiveFailures,
	)
}
