// Package metrics aggregates call statistics for diagnostics.
package metrics

import (
	"sync"
	"time"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// CircuitReader supplies the breaker state stamped onto snapshots.
type CircuitReader interface {
	State() domain.CircuitState
}

// Recorder keeps running totals and a streaming average of call durations.
// The lock is held only for counter arithmetic, so Record never waits on I/O.
type Recorder struct {
	mu        sync.Mutex
	total     int64
	success   int64
	failure   int64
	retries   int64
	avgMs     float64
	lastErr   string
	lastErrAt time.Time
	circuit   CircuitReader
	now       func() time.Time
}

// NewRecorder creates a recorder. circuit may be nil.
func NewRecorder(circuit CircuitReader) *Recorder {
	return &Recorder{
		circuit: circuit,
		now:     time.Now,
	}
}

// Record adds one completed call.
func (r *Recorder) Record(success bool, duration time.Duration, err error) {
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := float64(r.total)
	r.avgMs = (r.avgMs*n + ms) / (n + 1)
	r.total++
	if success {
		r.success++
	} else {
		r.failure++
	}
	if err != nil {
		r.lastErr = err.Error()
		r.lastErrAt = r.now()
	}
}

// RecordError keeps err as the last error without counting a call. It is used
// for rejections that never reached the transport.
func (r *Recorder) RecordError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.lastErr = err.Error()
	r.lastErrAt = r.now()
	r.mu.Unlock()
}

// RecordRetry counts one retry attempt.
func (r *Recorder) RecordRetry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

// Snapshot returns a copy of the current statistics.
func (r *Recorder) Snapshot() domain.Metrics {
	r.mu.Lock()
	m := domain.Metrics{
		TotalRequests:         r.total,
		SuccessCount:          r.success,
		FailureCount:          r.failure,
		RetryCount:            r.retries,
		AverageResponseTimeMs: r.avgMs,
		LastErrorMessage:      r.lastErr,
	}
	if !r.lastErrAt.IsZero() {
		at := r.lastErrAt
		m.LastErrorAt = &at
	}
	r.mu.Unlock()

	if r.circuit != nil {
		m.CircuitState = r.circuit.State().State
	}
	return m
}

// Reset clears all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total, r.success, r.failure, r.retries = 0, 0, 0, 0
	r.avgMs = 0
	r.lastErr = ""
	r.lastErrAt = time.Time{}
}
