package domain

import (
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen rejects every call until the cool-down elapses.
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen admits a single probe call.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitState is a point-in-time copy of the breaker.
type CircuitState struct {
	State               BreakerState `json:"state" yaml:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures" yaml:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty" yaml:"opened_at,omitempty"`
}

// HealthStatus is the latest published result of the liveness probe.
type HealthStatus struct {
	Healthy              bool      `json:"healthy" yaml:"healthy"`
	Checked              bool      `json:"checked" yaml:"checked"`
	LastCheckAt          time.Time `json:"last_check_at" yaml:"last_check_at"`
	LastResponseTimeMs   int64     `json:"last_response_time_ms" yaml:"last_response_time_ms"`
	ConsecutiveSuccesses int       `json:"consecutive_successes" yaml:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	LastError            string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Metrics is an immutable snapshot of call statistics.
type Metrics struct {
	TotalRequests         int64        `json:"total_requests" yaml:"total_requests"`
	SuccessCount          int64        `json:"success_count" yaml:"success_count"`
	FailureCount          int64        `json:"failure_count" yaml:"failure_count"`
	RetryCount            int64        `json:"retry_count" yaml:"retry_count"`
	AverageResponseTimeMs float64      `json:"average_response_time_ms" yaml:"average_response_time_ms"`
	LastErrorMessage      string       `json:"last_error_message,omitempty" yaml:"last_error_message,omitempty"`
	LastErrorAt           *time.Time   `json:"last_error_at,omitempty" yaml:"last_error_at,omitempty"`
	CircuitState          BreakerState `json:"circuit_state" yaml:"circuit_state"`
}

// Diagnostics aggregates everything an operator needs to judge client health.
type Diagnostics struct {
	Metrics Metrics      `json:"metrics" yaml:"metrics"`
	Health  HealthStatus `json:"health" yaml:"health"`
	Circuit CircuitState `json:"circuit" yaml:"circuit"`
	Session *Session     `json:"session,omitempty" yaml:"session,omitempty"`
}
