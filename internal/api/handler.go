// Package api provides HTTP and WebSocket handlers for the assistant.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/domain"
	"github.com/ashureev/shsh-assist/internal/store"
)

// Assistant is the part of assistant.Client the handlers depend on.
type Assistant interface {
	SendMessage(ctx context.Context, text string, opts assistant.SendOptions) (*domain.Reply, error)
	Diagnostics() domain.Diagnostics
	CheckHealth(ctx context.Context) domain.HealthStatus
	ClearSession(reason string)
	ResetCircuitBreaker()
	History() []domain.ChatMessage
}

// Handler provides common handler utilities.
type Handler struct {
	assistant Assistant
	repo      store.Repository
	limiter   *RateLimiter
	logger    *slog.Logger
}

// NewHandler creates a new Handler. repo and limiter may be nil.
func NewHandler(a Assistant, repo store.Repository, limiter *RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		assistant: a,
		repo:      repo,
		limiter:   limiter,
		logger:    logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// clientKey identifies the caller for rate limiting. RealIP middleware has
// already rewritten RemoteAddr when a proxy header is present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
