// Package assistant wires the session manager, dispatcher, breaker, health
// monitor, metrics and response processor into one client.
package assistant

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-assist/internal/agent"
	"github.com/ashureev/shsh-assist/internal/breaker"
	"github.com/ashureev/shsh-assist/internal/config"
	"github.com/ashureev/shsh-assist/internal/dispatch"
	"github.com/ashureev/shsh-assist/internal/domain"
	"github.com/ashureev/shsh-assist/internal/health"
	"github.com/ashureev/shsh-assist/internal/metrics"
	"github.com/ashureev/shsh-assist/internal/response"
	"github.com/ashureev/shsh-assist/internal/session"
)

const (
	transcriptTimeout = 2 * time.Second
	emptyReplyText    = "The assistant returned an empty reply."
)

// Transcript receives every exchange for persistence. Failures are logged,
// never surfaced to the caller.
type Transcript interface {
	UpsertSession(ctx context.Context, s domain.Session) error
	AppendMessage(ctx context.Context, m domain.ChatMessage) error
}

// SendOptions are per-message settings.
type SendOptions struct {
	CodeExpected bool
	Language     string
}

// Option customises a Client.
type Option func(*Client)

// WithTranscript persists exchanges to t.
func WithTranscript(t Transcript) Option {
	return func(c *Client) { c.transcript = t }
}

// WithTokenCounter estimates token counts when the backend omits them.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Client) { c.tokens = tc }
}

// Client is the entry point used by the presentation layer.
type Client struct {
	backend    agent.Backend
	breaker    *breaker.Breaker
	metrics    *metrics.Recorder
	monitor    *health.Monitor
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	processor  *response.Processor
	history    *history

	transcript Transcript
	tokens     TokenCounter

	healthInterval time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// New builds a client around backend. Every instance owns its own breaker,
// metrics and session, so several clients can coexist.
func New(backend agent.Backend, cfg config.ClientConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		CoolDown:         cfg.CoolDown,
	}, logger.With("component", "breaker"))
	rec := metrics.NewRecorder(cb)

	d := dispatch.New(backend, cb, rec, dispatch.Config{
		Timeout:            cfg.Timeout,
		MaxRetries:         cfg.MaxRetries,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		MinRequestInterval: cfg.MinRequestInterval,
	}, logger.With("component", "dispatcher"))

	sm := session.NewManager(d, session.Config{
		Title:          cfg.SessionTitle,
		CreateAttempts: cfg.SessionCreateAttempts,
		CreateDelay:    cfg.SessionCreateDelay,
		CreateTimeout:  time.Duration(max(cfg.SessionCreateAttempts, 1)) * (cfg.Timeout + cfg.SessionCreateDelay),
	}, logger.With("component", "session"))
	d.UseSessions(sm)

	mon := health.NewMonitor(backend, health.Config{
		Interval:       cfg.HealthInterval,
		Timeout:        cfg.HealthTimeout,
		UnhealthyAfter: cfg.UnhealthyAfter,
		HealthyAfter:   cfg.HealthyAfter,
	}, logger.With("component", "health"))

	c := &Client{
		backend:    backend,
		breaker:    cb,
		metrics:    rec,
		monitor:    mon,
		dispatcher: d,
		sessions:   sm,
		processor: response.NewProcessor(response.Config{
			MinCodeLength:   cfg.MinCodeLength,
			DefaultLanguage: cfg.DefaultLanguage,
		}, logger.With("component", "response")),
		history:        newHistory(cfg.HistoryLimit),
		healthInterval: cfg.HealthInterval,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins background health probing.
func (c *Client) Start(ctx context.Context) {
	c.monitor.Start(ctx, c.healthInterval)
}

// Close stops probing and releases the transport.
func (c *Client) Close() error {
	c.monitor.Stop()
	return c.backend.Close()
}

// SendMessage sends text and returns the parsed reply. The reply is never nil:
// when the call fails it is a placeholder flagged IsFallback and the typed
// error is returned alongside it.
func (c *Client) SendMessage(ctx context.Context, text string, opts SendOptions) (*domain.Reply, error) {
	popts := response.Options{CodeExpected: opts.CodeExpected, Language: opts.Language}
	text = strings.TrimSpace(text)
	if text == "" {
		return c.fallbackReply(popts, "", 0), domain.ErrEmptyMessage
	}

	start := c.now()
	userMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: start,
		Succeeded: true,
	}

	raw, err := c.dispatcher.Send(ctx, "", text)
	elapsed := c.now().Sub(start)
	if err != nil {
		c.metrics.RecordError(err)
		sessionID := ""
		if s, ok := c.sessions.Current(); ok {
			sessionID = s.ID
		}
		userMsg.SessionID = sessionID
		userMsg.Succeeded = false
		reply := c.fallbackReply(popts, sessionID, elapsed)
		c.history.append(userMsg, reply.Message)

		c.logger.Warn("chat request failed, returning fallback",
			"session_id", sessionID,
			"kind", domain.Kind(err),
			"error", err,
		)
		return reply, err
	}

	parsed := c.processor.Parse(raw, popts)
	isFallback := parsed.HasFallback()
	if parsed.Narrative == "" && len(parsed.CodeBlocks) == 0 {
		parsed.Narrative = emptyReplyText
		isFallback = true
	}

	userMsg.SessionID = raw.SessionID
	assistantMsg := domain.ChatMessage{
		ID:               uuid.NewString(),
		Role:             domain.RoleAssistant,
		Content:          parsed.Narrative,
		Timestamp:        c.now(),
		SessionID:        raw.SessionID,
		ProcessingTimeMs: ptr(elapsed.Milliseconds()),
		TokenCount:       c.tokenCount(raw),
		Succeeded:        true,
		IsFallback:       isFallback,
		CodeBlocks:       parsed.CodeBlocks,
	}

	c.sessions.RecordExchange(raw.SessionID)
	c.history.append(userMsg, assistantMsg)
	c.persist(raw.SessionID, userMsg, assistantMsg)

	c.logger.Info("chat exchange completed",
		"session_id", raw.SessionID,
		"duration_ms", elapsed.Milliseconds(),
		"code_blocks", len(parsed.CodeBlocks),
		"fallback", isFallback,
	)

	return &domain.Reply{
		Message:    assistantMsg,
		Narrative:  parsed.Narrative,
		CodeBlocks: parsed.CodeBlocks,
		SessionID:  raw.SessionID,
		IsFallback: isFallback,
	}, nil
}

// Diagnostics returns metrics, health and breaker state.
func (c *Client) Diagnostics() domain.Diagnostics {
	d := domain.Diagnostics{
		Metrics: c.metrics.Snapshot(),
		Health:  c.monitor.Status(),
		Circuit: c.breaker.State(),
	}
	if s, ok := c.sessions.Current(); ok {
		d.Session = &s
	}
	return d
}

// CheckHealth runs one probe immediately.
func (c *Client) CheckHealth(ctx context.Context) domain.HealthStatus {
	return c.monitor.CheckNow(ctx)
}

// ClearSession drops the current session and the local history. Requests
// still in flight for the old session are cancelled and their replies dropped.
func (c *Client) ClearSession(reason string) {
	if reason == "" {
		reason = "cleared"
	}
	c.sessions.Invalidate("", reason)
	c.history.clear()
}

// ResetCircuitBreaker forces the breaker closed.
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
}

// History returns the bounded message history, oldest first.
func (c *Client) History() []domain.ChatMessage {
	return c.history.snapshot()
}

// Session returns the active session, if any.
func (c *Client) Session() (domain.Session, bool) {
	return c.sessions.Current()
}

func (c *Client) fallbackReply(opts response.Options, sessionID string, elapsed time.Duration) *domain.Reply {
	parsed := c.processor.Fallback(opts)
	msg := domain.ChatMessage{
		ID:               uuid.NewString(),
		Role:             domain.RoleAssistant,
		Content:          parsed.Narrative,
		Timestamp:        c.now(),
		SessionID:        sessionID,
		ProcessingTimeMs: ptr(elapsed.Milliseconds()),
		Succeeded:        false,
		IsFallback:       true,
		CodeBlocks:       parsed.CodeBlocks,
	}
	return &domain.Reply{
		Message:    msg,
		Narrative:  parsed.Narrative,
		CodeBlocks: parsed.CodeBlocks,
		SessionID:  sessionID,
		IsFallback: true,
	}
}

func (c *Client) tokenCount(raw *domain.RawReply) *int {
	if raw.TokensUsed > 0 {
		return ptr(raw.TokensUsed)
	}
	if c.tokens == nil {
		return nil
	}
	return ptr(c.tokens.CountTokens(raw.Message))
}

func (c *Client) persist(sessionID string, msgs ...domain.ChatMessage) {
	if c.transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
	defer cancel()

	if s, ok := c.sessions.Current(); ok && s.ID == sessionID {
		if err := c.transcript.UpsertSession(ctx, s); err != nil {
			c.logger.Warn("failed to persist session", "session_id", sessionID, "error", err)
		}
	}
	for _, m := range msgs {
		if err := c.transcript.AppendMessage(ctx, m); err != nil {
			c.logger.Warn("failed to persist message", "session_id", sessionID, "message_id", m.ID, "error", err)
			return
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
