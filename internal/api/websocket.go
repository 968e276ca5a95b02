package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-assist/internal/assistant"
	"github.com/ashureev/shsh-assist/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketHandler serves the assistant over a WebSocket. Frames are handled
// one at a time, so a connection never has more than one chat in flight.
type WebSocketHandler struct {
	*Handler
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(base *Handler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		Handler:       base,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is an inbound frame.
type wsMessage struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	CodeExpected bool   `json:"codeExpected,omitempty"`
	Language     string `json:"language,omitempty"`
}

// wsReply is an outbound frame.
type wsReply struct {
	Type        string              `json:"type"`
	Reply       *domain.Reply       `json:"reply,omitempty"`
	Error       *ErrorBody          `json:"error,omitempty"`
	Diagnostics *domain.Diagnostics `json:"diagnostics,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	key := clientKey(r)
	h.logger.Info("Assistant WebSocket connected", "client", key)
	h.readLoop(r.Context(), ws, key)
	h.logger.Info("Assistant WebSocket closed", "client", key)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, key string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "client", key)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "client", key)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.writeJSON(ctx, ws, wsReply{Type: "error", Error: &ErrorBody{Kind: "invalid_request", Message: "invalid frame"}}); err != nil {
				return
			}
			continue
		}

		if err := h.writeJSON(ctx, ws, h.handle(ctx, msg, key)); err != nil {
			h.logger.Debug("WebSocket write error", "error", err, "client", key)
			return
		}
	}
}

func (h *WebSocketHandler) handle(ctx context.Context, msg wsMessage, key string) wsReply {
	switch msg.Type {
	case "chat":
		if h.limiter != nil && !h.limiter.Allow(key) {
			return wsReply{Type: "error", Error: &ErrorBody{Kind: "rate_limited", Message: "rate limit exceeded"}}
		}
		reply, err := h.assistant.SendMessage(ctx, msg.Message, assistant.SendOptions{
			CodeExpected: msg.CodeExpected,
			Language:     msg.Language,
		})
		out := wsReply{Type: "reply", Reply: reply}
		if err != nil {
			_, out.Error = classify(err)
		}
		return out
	case "diagnostics":
		d := h.assistant.Diagnostics()
		return wsReply{Type: "diagnostics", Diagnostics: &d}
	case "clear":
		h.assistant.ClearSession("cleared by user")
		return wsReply{Type: "cleared"}
	case "ping":
		return wsReply{Type: "pong"}
	default:
		return wsReply{Type: "error", Error: &ErrorBody{Kind: "invalid_request", Message: "unknown message type " + msg.Type}}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
