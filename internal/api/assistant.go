package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/domain"
	"github.com/ashureev/shsh-assist/internal/store"
)

const (
	maxRequestBodySize = 64 * 1024
	defaultTranscript  = 100
	healthCheckTimeout = 5 * time.Second
)

// ChatRequest is the body of POST /api/assistant/chat.
type ChatRequest struct {
	Message      string `json:"message"`
	CodeExpected bool   `json:"codeExpected"`
	Language     string `json:"language,omitempty"`
}

// ErrorBody describes a failed chat call. The reply is still sent alongside it.
type ErrorBody struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// ChatResponse always carries a reply; Error is set when it is a fallback
// produced by a failed call.
type ChatResponse struct {
	Reply *domain.Reply `json:"reply"`
	Error *ErrorBody    `json:"error,omitempty"`
}

// RegisterRoutes registers the assistant routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assistant", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/diagnostics", h.HandleDiagnostics)
		r.Post("/health/check", h.HandleCheckHealth)
		r.Get("/history", h.HandleHistory)
		r.Get("/transcripts", h.HandleListTranscripts)
		r.Get("/transcripts/{sessionID}", h.HandleTranscript)
		r.Delete("/transcripts/{sessionID}", h.HandleDeleteTranscript)
		r.Post("/session/clear", h.HandleClearSession)
		r.Post("/circuit/reset", h.HandleResetCircuit)
	})
}

// HandleChat handles POST /api/assistant/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.logger.Info("Assistant chat request",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
		"code_expected", req.CodeExpected,
	)

	reply, err := h.assistant.SendMessage(r.Context(), req.Message, assistant.SendOptions{
		CodeExpected: req.CodeExpected,
		Language:     req.Language,
	})
	if err == nil {
		JSON(w, http.StatusOK, ChatResponse{Reply: reply})
		return
	}

	status, body := classify(err)
	if body.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(float64(body.RetryAfterMs)/1000)), 10))
	}
	JSON(w, status, ChatResponse{Reply: reply, Error: body})
}

// HandleDiagnostics returns metrics, health and breaker state.
func (h *Handler) HandleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.assistant.Diagnostics())
}

// HandleCheckHealth runs a probe immediately and returns the published status.
func (h *Handler) HandleCheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	JSON(w, http.StatusOK, h.assistant.CheckHealth(ctx))
}

// HandleHistory returns the in-memory conversation history.
func (h *Handler) HandleHistory(w http.ResponseWriter, _ *http.Request) {
	history := h.assistant.History()
	if history == nil {
		history = []domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": history})
}

// HandleListTranscripts lists stored sessions.
func (h *Handler) HandleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "transcripts disabled")
		return
	}
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list transcripts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleTranscript returns the stored messages of one session.
func (h *Handler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "transcripts disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	limit := defaultTranscript
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := h.repo.ListMessages(r.Context(), sessionID, limit)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "transcript not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load transcript", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": msgs})
}

// HandleDeleteTranscript removes a stored session.
func (h *Handler) HandleDeleteTranscript(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotFound, "transcripts disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		h.logger.Error("Failed to delete transcript", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete transcript")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearSession drops the current backend session and local history.
func (h *Handler) HandleClearSession(w http.ResponseWriter, _ *http.Request) {
	h.assistant.ClearSession("cleared by user")
	JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// HandleResetCircuit forces the breaker closed.
func (h *Handler) HandleResetCircuit(w http.ResponseWriter, _ *http.Request) {
	h.assistant.ResetCircuitBreaker()
	JSON(w, http.StatusOK, h.assistant.Diagnostics().Circuit)
}

// classify maps a SendMessage error to an HTTP status and error body.
func classify(err error) (int, *ErrorBody) {
	body := &ErrorBody{Kind: domain.Kind(err), Message: err.Error()}

	var (
		throttled *domain.ThrottledError
		open      *domain.CircuitOpenError
		busy      *domain.BusyError
		timeout   *domain.TimeoutError
	)
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		return http.StatusBadRequest, body
	case errors.As(err, &throttled):
		body.RetryAfterMs = throttled.RetryAfter.Milliseconds()
		return http.StatusTooManyRequests, body
	case errors.As(err, &busy):
		return http.StatusConflict, body
	case errors.As(err, &open):
		body.RetryAfterMs = open.RetryAfter.Milliseconds()
		return http.StatusServiceUnavailable, body
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	default:
		return http.StatusBadGateway, body
	}
}
