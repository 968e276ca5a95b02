// Package agent implements the transports to the remote AI chat backend.
package agent

import (
	"strings"
)

// CreateSessionRequest opens a backend conversation.
type CreateSessionRequest struct {
	Title   string         `json:"title"`
	Context map[string]any `json:"context,omitempty"`
}

// ChatRequest represents a chat request to the backend.
type ChatRequest struct {
	SessionID string         `json:"sessionId"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// createSessionResponse accepts the id spellings seen across backend versions.
type createSessionResponse struct {
	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
	ID             string `json:"id"`
}

func (r createSessionResponse) id() string {
	for _, v := range []string{r.SessionID, r.SessionIDSnake, r.ID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Success *bool  `json:"success"`
}

func (h healthResponse) healthy() bool {
	if h.Success != nil {
		return *h.Success
	}
	switch strings.ToLower(strings.TrimSpace(h.Status)) {
	case "", "ok", "healthy", "up", "serving", "pass":
		return true
	default:
		return false
	}
}

// errorBody is the error envelope the backend uses on failures.
type errorBody struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e errorBody) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// mentionsSession reports whether a backend error refers to an unknown or expired session.
func mentionsSession(parts ...string) bool {
	for _, p := range parts {
		p = strings.ToLower(p)
		if strings.Contains(p, "session") &&
			(strings.Contains(p, "invalid") || strings.Contains(p, "expired") ||
				strings.Contains(p, "not found") || strings.Contains(p, "not_found") ||
				strings.Contains(p, "unknown")) {
			return true
		}
	}
	return false
}
