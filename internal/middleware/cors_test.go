package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		origins     []string
		origin      string
		method      string
		wantStatus  int
		wantOrigin  string
		wantCreds   string
		wantExposed string
	}{
		{"explicit origin", []string{"https://app.example"}, "https://app.example", http.MethodGet, http.StatusTeapot, "https://app.example", "true", "Retry-After, X-Request-Id"},
		{"wildcard echoes without credentials", []string{"*"}, "https://other.example", http.MethodGet, http.StatusTeapot, "https://other.example", "", "Retry-After, X-Request-Id"},
		{"explicit beats wildcard", []string{"*", "https://app.example"}, "https://app.example", http.MethodGet, http.StatusTeapot, "https://app.example", "true", "Retry-After, X-Request-Id"},
		{"rejected origin", []string{"https://app.example"}, "https://evil.example", http.MethodGet, http.StatusTeapot, "", "", ""},
		{"no origin header", []string{"*"}, "", http.MethodGet, http.StatusTeapot, "", "", ""},
		{"preflight", []string{"*"}, "https://app.example", http.MethodOptions, http.StatusNoContent, "https://app.example", "", "Retry-After, X-Request-Id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/api/assistant/chat", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			CORS(DefaultCORSOptions(tt.origins))(ok).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Fatalf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
			if got := rr.Header().Get("Access-Control-Expose-Headers"); got != tt.wantExposed {
				t.Fatalf("Expose-Headers = %q, want %q", got, tt.wantExposed)
			}
		})
	}
}
