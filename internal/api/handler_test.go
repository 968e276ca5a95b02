//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/domain"
	"github.com/ashureev/shsh-assist/internal/store"
)

type fakeAssistant struct {
	mu        sync.Mutex
	err       error
	lastText  string
	lastOpts  assistant.SendOptions
	cleared   int
	resets    int
	diag      domain.Diagnostics
	history   []domain.ChatMessage
	healthRun int
}

func (f *fakeAssistant) SendMessage(_ context.Context, text string, opts assistant.SendOptions) (*domain.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastText = text
	f.lastOpts = opts
	reply := &domain.Reply{Narrative: "Echo " + text, SessionID: "sess-1"}
	if f.err != nil {
		reply.IsFallback = true
		reply.Narrative = "unavailable"
	}
	return reply, f.err
}

func (f *fakeAssistant) Diagnostics() domain.Diagnostics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diag
}

func (f *fakeAssistant) CheckHealth(context.Context) domain.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthRun++
	return domain.HealthStatus{Healthy: true, Checked: true}
}

func (f *fakeAssistant) ClearSession(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeAssistant) ResetCircuitBreaker() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.diag.Circuit.State = domain.BreakerClosed
}

func (f *fakeAssistant) History() []domain.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history
}

func newRouter(t *testing.T, a Assistant, repo store.Repository, limiter *RateLimiter) http.Handler {
	t.Helper()
	h := NewHandler(a, repo, limiter, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	NewHealthHandler(h).RegisterHealth(r)
	r.Get("/ws/assistant", NewWebSocketHandler(h, "*", true).ServeHTTP)
	return r
}

func postChat(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, ChatResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/assistant/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp ChatResponse
	if strings.Contains(rr.Body.String(), `"reply"`) {
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return rr, resp
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHandleChatSuccess(t *testing.T) {
	t.Parallel()
	a := &fakeAssistant{}
	h := newRouter(t, a, nil, nil)

	rr, resp := postChat(t, h, `{"message":"hi","codeExpected":true,"language":"css"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp.Reply == nil || resp.Reply.Narrative != "Echo hi" || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !a.lastOpts.CodeExpected || a.lastOpts.Language != "css" {
		t.Fatalf("options not forwarded: %+v", a.lastOpts)
	}
}

func TestHandleChatStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		retryAfter string
	}{
		{"empty", domain.ErrEmptyMessage, http.StatusBadRequest, "invalid_request", ""},
		{"throttled", &domain.ThrottledError{RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "throttled", "2"},
		{"busy", &domain.BusyError{}, http.StatusConflict, "busy", ""},
		{"circuit open", &domain.CircuitOpenError{RetryAfter: 30 * time.Second}, http.StatusServiceUnavailable, "circuit_open", "30"},
		{"timeout", &domain.TimeoutError{Op: "chat", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "timeout", ""},
		{"server", &domain.ServerError{Status: 500, Message: "boom"}, http.StatusBadGateway, "server", ""},
		{"transport", &domain.TransportError{Op: "chat", Err: errors.New("refused")}, http.StatusBadGateway, "transport", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newRouter(t, &fakeAssistant{err: tt.err}, nil, nil)
			rr, resp := postChat(t, h, `{"message":"hi"}`)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if resp.Reply == nil || !resp.Reply.IsFallback {
				t.Fatalf("expected fallback reply alongside error, got %+v", resp.Reply)
			}
			if resp.Error == nil || resp.Error.Kind != tt.wantKind {
				t.Fatalf("expected error kind %q, got %+v", tt.wantKind, resp.Error)
			}
			if got := rr.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Fatalf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}

func TestHandleChatInvalidBody(t *testing.T) {
	t.Parallel()
	h := newRouter(t, &fakeAssistant{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/assistant/chat", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	big := `{"message":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/api/assistant/chat", strings.NewReader(big))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(2, time.Minute)
	t.Cleanup(limiter.Stop)
	a := &fakeAssistant{}
	h := newRouter(t, a, nil, limiter)

	for i := range 2 {
		if rr, _ := postChat(t, h, `{"message":"hi"}`); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/assistant/chat", strings.NewReader(`{"message":"hi"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestControlRoutes(t *testing.T) {
	t.Parallel()
	a := &fakeAssistant{
		diag:    domain.Diagnostics{Circuit: domain.CircuitState{State: domain.BreakerOpen}},
		history: []domain.ChatMessage{{ID: "m1", Role: domain.RoleUser, Content: "hi"}},
	}
	h := newRouter(t, a, nil, nil)

	do := func(method, path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		return rr
	}

	if rr := do(http.MethodGet, "/api/assistant/diagnostics"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"OPEN"`) {
		t.Fatalf("diagnostics: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodGet, "/api/assistant/history"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"m1"`) {
		t.Fatalf("history: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodPost, "/api/assistant/circuit/reset"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"CLOSED"`) {
		t.Fatalf("circuit reset: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodPost, "/api/assistant/session/clear"); rr.Code != http.StatusOK {
		t.Fatalf("session clear: %d", rr.Code)
	}
	if rr := do(http.MethodPost, "/api/assistant/health/check"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"healthy":true`) {
		t.Fatalf("health check: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodGet, "/api/assistant/transcripts/any"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with transcripts disabled, got %d", rr.Code)
	}
	if a.resets != 1 || a.cleared != 1 || a.healthRun != 1 {
		t.Fatalf("unexpected call counts: resets=%d cleared=%d health=%d", a.resets, a.cleared, a.healthRun)
	}
}

func TestTranscriptRoutes(t *testing.T) {
	t.Parallel()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "t.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	now := time.Now()
	if err := repo.UpsertSession(ctx, domain.Session{ID: "sess-9", CreatedAt: now, LastActivityAt: now, IsActive: true}); err != nil {
		t.Fatalf("UpsertSession() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.AppendMessage(ctx, domain.ChatMessage{ID: id, SessionID: "sess-9", Role: domain.RoleUser, Content: id, Timestamp: now}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	h := newRouter(t, &fakeAssistant{}, repo, nil)
	do := func(method, path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		return rr
	}

	rr := do(http.MethodGet, "/api/assistant/transcripts/sess-9?limit=2")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 || body.Messages[0].ID != "b" {
		t.Fatalf("unexpected transcript %+v", body.Messages)
	}

	if rr := do(http.MethodGet, "/api/assistant/transcripts/sess-9?limit=-1"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
	if rr := do(http.MethodGet, "/api/assistant/transcripts"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "sess-9") {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(http.MethodDelete, "/api/assistant/transcripts/sess-9"); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := do(http.MethodGet, "/api/assistant/transcripts/sess-9"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestHealthReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		health domain.HealthStatus
		want   string
	}{
		{"unchecked", domain.HealthStatus{}, `"backend":"unknown"`},
		{"healthy", domain.HealthStatus{Checked: true, Healthy: true}, `"backend":"ok"`},
		{"unhealthy", domain.HealthStatus{Checked: true}, `"status":"degraded"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newRouter(t, &fakeAssistant{diag: domain.Diagnostics{Health: tt.health}}, nil, nil)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), tt.want) {
				t.Fatalf("got %d %s, want %s", rr.Code, rr.Body.String(), tt.want)
			}
		})
	}
}
