package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/shsh-assist/internal/domain"
)

const maxErrorSnippet = 512

// HTTPClientConfig holds configuration for the HTTP/JSON transport.
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout is a safety net on the underlying http.Client; per-call
	// deadlines come from the caller's context.
	Timeout time.Duration
}

// HTTPClient talks to the backend's JSON API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a new HTTP transport.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		hc:      &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// CreateSession calls POST {base}/sessions.
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	body, err := c.do(ctx, "create_session", http.MethodPost, "/sessions", req, "")
	if err != nil {
		return "", err
	}

	var out createSessionResponse
	if err := decodeMaybeWrapped(body, &out); err != nil {
		return "", &domain.TransportError{Op: "create_session", Err: fmt.Errorf("decode response: %w", err)}
	}
	id := out.id()
	if id == "" {
		return "", &domain.ServerError{Status: http.StatusBadGateway, Message: "create session response carried no session id"}
	}
	return id, nil
}

// Chat calls POST {base}/chat.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (*domain.RawReply, error) {
	body, err := c.do(ctx, "chat", http.MethodPost, "/chat", req, req.SessionID)
	if err != nil {
		return nil, err
	}

	var reply domain.RawReply
	if err := decodeMaybeWrapped(body, &reply); err != nil {
		return nil, &domain.TransportError{Op: "chat", Err: fmt.Errorf("decode response: %w", err)}
	}
	if reply.SessionID == "" {
		reply.SessionID = req.SessionID
	}
	return &reply, nil
}

// Health calls GET {base}/health.
func (c *HTTPClient) Health(ctx context.Context) error {
	body, err := c.do(ctx, "health", http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}

	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		// A 2xx with a non-JSON body still proves liveness.
		return nil
	}
	if !hr.healthy() {
		return &domain.ServerError{Status: http.StatusServiceUnavailable, Code: hr.Status, Message: "backend reports unhealthy"}
	}
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in any, sessionID string) ([]byte, error) {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		c.logger.Warn("backend returned non-2xx",
			"op", op,
			"status", resp.StatusCode,
			"x_request_id", resp.Header.Get("X-Request-Id"),
		)
		return nil, classifyStatus(op, sessionID, resp.StatusCode, snippet)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, op, err)
	}

	// Some backend versions answer 200 with {"success": false, ...}.
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Success != nil && !*eb.Success {
		if sessionID != "" && mentionsSession(eb.Code, eb.text()) {
			return nil, &domain.SessionInvalidError{SessionID: sessionID, Err: errors.New(eb.text())}
		}
		return nil, &domain.ServerError{Status: http.StatusBadGateway, Code: eb.Code, Message: eb.text()}
	}
	return body, nil
}

func classifyTransportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.TransportError{Op: op, Err: err}
}

func classifyStatus(op, sessionID string, status int, snippet []byte) error {
	var eb errorBody
	_ = json.Unmarshal(snippet, &eb)
	msg := eb.text()
	if msg == "" {
		msg = http.StatusText(status)
	}

	if sessionID != "" {
		if status == http.StatusNotFound || status == http.StatusGone || mentionsSession(eb.Code, msg) {
			return &domain.SessionInvalidError{
				SessionID: sessionID,
				Err:       &domain.ServerError{Status: status, Code: eb.Code, Message: msg},
			}
		}
	}
	if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
		return &domain.TimeoutError{Op: op, Err: &domain.ServerError{Status: status, Code: eb.Code, Message: msg}}
	}
	return &domain.ServerError{Status: status, Code: eb.Code, Message: msg}
}

// decodeMaybeWrapped decodes either a bare object or {"data": {...}}.
func decodeMaybeWrapped(body []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		return json.Unmarshal(envelope.Data, out)
	}
	return json.Unmarshal(body, out)
}
