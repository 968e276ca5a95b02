// Package session owns the identity and lifecycle of the backend conversation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// Creator opens a session on the backend with a single attempt.
type Creator interface {
	CreateSession(ctx context.Context, title string, sessionCtx map[string]any) (string, error)
}

// Config holds session creation settings.
type Config struct {
	Title          string
	Context        map[string]any
	CreateAttempts int
	CreateDelay    time.Duration
	// CreateTimeout bounds one whole coalesced creation, retries included.
	CreateTimeout time.Duration
}

// DefaultConfig returns default session configuration.
func DefaultConfig() Config {
	return Config{
		Title:          "Code Assistant",
		CreateAttempts: 3,
		CreateDelay:    time.Second,
		CreateTimeout:  2 * time.Minute,
	}
}

// closed is returned by Done for sessions that are not current.
var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Manager keeps exactly one authoritative session per client instance.
type Manager struct {
	creator Creator
	cfg     Config
	group   singleflight.Group

	mu      sync.Mutex
	current *domain.Session
	done    chan struct{}

	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a manager with no active session.
func NewManager(creator Creator, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Title == "" {
		cfg.Title = def.Title
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = def.CreateAttempts
	}
	if cfg.CreateDelay < 0 {
		cfg.CreateDelay = 0
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = def.CreateTimeout
	}
	return &Manager{
		creator: creator,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// EnsureSession returns the active session id, creating one if needed.
// Concurrent callers share a single in-flight creation. A caller whose ctx
// ends early gets ctx.Err() while the shared creation keeps going.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	if id, ok := m.activeID(); ok {
		return id, nil
	}

	ch := m.group.DoChan("create", func() (any, error) {
		if id, ok := m.activeID(); ok {
			return id, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CreateTimeout)
		defer cancel()

		id, err := m.create(cctx)
		if err != nil {
			return "", err
		}
		m.install(id)
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Reset drops the current session and opens a new one.
func (m *Manager) Reset(ctx context.Context) (string, error) {
	if id, ok := m.activeID(); ok {
		m.Invalidate(id, "reset")
	}
	return m.EnsureSession(ctx)
}

// Invalidate marks sessionID inactive. An empty sessionID targets whatever
// session is current. Invalidating a session that is no longer current is a
// no-op, so a stale error cannot tear down its replacement.
func (m *Manager) Invalidate(sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || (sessionID != "" && m.current.ID != sessionID) {
		return
	}
	m.logger.Info("session invalidated",
		"session_id", m.current.ID,
		"reason", reason,
		"message_count", m.current.MessageCount,
	)
	close(m.done)
	m.current = nil
	m.done = nil
}

// RecordExchange counts one user and one assistant turn against sessionID.
func (m *Manager) RecordExchange(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.ID == sessionID {
		m.current.RecordExchange(m.now())
	}
}

// Current returns a copy of the active session.
func (m *Manager) Current() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return domain.Session{}, false
	}
	return *m.current, true
}

// IsCurrent reports whether sessionID is the active session.
func (m *Manager) IsCurrent(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.ID == sessionID
}

// Done returns a channel closed when sessionID stops being current.
func (m *Manager) Done(sessionID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.ID == sessionID {
		return m.done
	}
	return closed
}

func (m *Manager) activeID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.ID, true
}

func (m *Manager) install(id string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = &domain.Session{
		ID:             id,
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
	}
	m.done = make(chan struct{})
	m.logger.Info("session created", "session_id", id)
}

func (m *Manager) create(ctx context.Context) (string, error) {
	var (
		id       string
		attempts int
	)
	op := func() error {
		attempts++
		v, err := m.creator.CreateSession(ctx, m.cfg.Title, m.cfg.Context)
		if err != nil {
			if domain.IsImmediateRejection(err) || !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		id = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("session creation failed, retrying",
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.CreateDelay), uint64(m.cfg.CreateAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		m.logger.Error("session creation failed", "attempts", attempts, "error", err)
		return "", fmt.Errorf("create session after %d attempt(s): %w", attempts, err)
	}
	return id, nil
}
