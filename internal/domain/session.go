// Package domain contains core domain types for the assistant client.
package domain

import (
	"time"
)

// Session is the backend conversation the client is currently bound to.
type Session struct {
	ID             string    `json:"id" yaml:"id"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at" yaml:"last_activity_at"`
	MessageCount   int       `json:"message_count" yaml:"message_count"`
	IsActive       bool      `json:"is_active" yaml:"is_active"`
}

// RecordExchange marks one user turn and one assistant turn against the session.
func (s *Session) RecordExchange(at time.Time) {
	s.LastActivityAt = at
	s.MessageCount += 2
}

// Idle returns how long the session has gone without an exchange.
func (s *Session) Idle(now time.Time) time.Duration {
	last := s.LastActivityAt
	if last.IsZero() {
		last = s.CreatedAt
	}
	if d := now.Sub(last); d > 0 {
		return d
	}
	return 0
}
