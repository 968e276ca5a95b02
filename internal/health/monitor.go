// Package health runs a periodic liveness probe against the chat backend,
// independent of chat traffic.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// Prober performs one liveness check.
type Prober interface {
	Health(ctx context.Context) error
}

// Config holds probe timing and hysteresis thresholds.
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	UnhealthyAfter int // consecutive failures before healthy flips to false
	HealthyAfter   int // consecutive successes before healthy flips back to true
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		Timeout:        5 * time.Second,
		UnhealthyAfter: 3,
		HealthyAfter:   1,
	}
}

// Monitor owns the published HealthStatus. Nothing else writes it.
type Monitor struct {
	prober Prober
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	status   domain.HealthStatus
	onChange func(healthy bool)

	probeMu sync.Mutex // one probe at a time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor that starts out optimistic (healthy, unchecked).
func NewMonitor(prober Prober, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = def.UnhealthyAfter
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = def.HealthyAfter
	}
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		status: domain.HealthStatus{Healthy: true},
	}
}

// OnChange registers a callback invoked (outside the lock) whenever healthy flips.
func (m *Monitor) OnChange(fn func(healthy bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start launches the probe loop. interval <= 0 uses the configured interval.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.Interval
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.logger.Info("Health monitor started", "interval", interval)

		m.CheckNow(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckNow(ctx)
			case <-ctx.Done():
				m.logger.Info("Health monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CheckNow runs one probe and returns the published status. Probe errors and
// panics only degrade the status; they are never propagated.
func (m *Monitor) CheckNow(ctx context.Context) domain.HealthStatus {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	if ctx.Err() != nil {
		return m.Status()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := m.now()
	err := m.probe(probeCtx)
	elapsed := m.now().Sub(start)

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the probe; that says nothing about the backend.
		return m.Status()
	}
	return m.apply(err, elapsed)
}

// Status returns the latest published status.
func (m *Monitor) Status() domain.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) probe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.TransportError{Op: "health", Err: panicError{value: r}}
		}
	}()
	if m.prober == nil {
		return &domain.TransportError{Op: "health", Err: errNoProber}
	}
	return m.prober.Health(ctx)
}

func (m *Monitor) apply(err error, elapsed time.Duration) domain.HealthStatus {
	m.mu.Lock()
	prev := m.status.Healthy
	s := m.status
	s.Checked = true
	s.LastCheckAt = m.now()
	s.LastResponseTimeMs = elapsed.Milliseconds()

	if err == nil {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.LastError = ""
		if !s.Healthy && s.ConsecutiveSuccesses >= m.cfg.HealthyAfter {
			s.Healthy = true
		}
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		s.LastError = err.Error()
		if s.Healthy && s.ConsecutiveFailures >= m.cfg.UnhealthyAfter {
			s.Healthy = false
		}
	}
	m.status = s
	onChange := m.onChange
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("Health probe failed", "error", err, "consecutive_failures", s.ConsecutiveFailures)
	}
	if prev != s.Healthy {
		m.logger.Info("Backend health changed", "healthy", s.Healthy, "last_error", s.LastError)
		if onChange != nil {
			onChange(s.Healthy)
		}
	}
	return s
}
