package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/shsh-assist/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, APIKey: "secret"}, nil)
}

func TestHTTPClientCreateSession(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Title != "Code Assistant" {
			t.Errorf("unexpected title %q", req.Title)
		}
		_, _ = w.Write([]byte(`{"data":{"session_id":"sess-42"}}`))
	})

	id, err := c.CreateSession(context.Background(), CreateSessionRequest{Title: "Code Assistant"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id != "sess-42" {
		t.Fatalf("expected sess-42, got %q", id)
	}
}

func TestHTTPClientChat(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.SessionID != "s1" || req.Message != "hi" {
			t.Errorf("unexpected body %+v", req)
		}
		_, _ = w.Write([]byte(`{"message":"hello","tokensUsed":12,"codeBlocks":[{"language":"go","content":"package main"}]}`))
	})

	reply, err := c.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply.Message != "hello" || reply.SessionID != "s1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.TokensUsed != 12 {
		t.Fatalf("expected tokensUsed 12, got %d", reply.TokensUsed)
	}
	if len(reply.CodeBlocks) == 0 {
		t.Fatal("expected raw code blocks to be kept")
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		kind   string
	}{
		{"server 500", http.StatusInternalServerError, `{"error":"boom"}`, "server"},
		{"rate limited", http.StatusTooManyRequests, ``, "server"},
		{"unknown session", http.StatusNotFound, `{"error":"not here"}`, "session_invalid"},
		{"expired session text", http.StatusBadRequest, `{"code":"SESSION_EXPIRED","message":"session expired"}`, "session_invalid"},
		{"bad request", http.StatusBadRequest, `{"error":"message too long"}`, "server"},
		{"gateway timeout", http.StatusGatewayTimeout, ``, "timeout"},
		{"success false", http.StatusOK, `{"success":false,"error":"model overloaded"}`, "server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
			if got := domain.Kind(err); got != tt.kind {
				t.Fatalf("expected kind %q, got %q (%v)", tt.kind, got, err)
			}
		})
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Chat(ctx, ChatRequest{SessionID: "s1", Message: "hi"})
	var timeout *domain.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestHTTPClientTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(HTTPClientConfig{BaseURL: url}, nil)
	err := c.Health(context.Background())
	var transport *domain.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestHTTPClientHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"ok status", http.StatusOK, `{"status":"ok"}`, false},
		{"plain body", http.StatusOK, `pong`, false},
		{"degraded", http.StatusOK, `{"status":"degraded"}`, true},
		{"unavailable", http.StatusServiceUnavailable, ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := c.Health(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMentionsSession(t *testing.T) {
	t.Parallel()

	if !mentionsSession("", "Session not found") {
		t.Fatal("expected match")
	}
	if mentionsSession("invalid input", "") {
		t.Fatal("expected no match without the word session")
	}
}
