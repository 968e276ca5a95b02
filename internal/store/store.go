// Package store provides transcript persistence for the presentation layer.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/shsh-assist/internal/config"
	"github.com/ashureev/shsh-assist/internal/domain"
)

// ErrNotFound is returned when a session has no stored transcript.
var ErrNotFound = errors.New("transcript not found")

// Repository defines the interface for persisting chat transcripts.
type Repository interface {
	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, s domain.Session) error

	// AppendMessage stores one message under its session.
	AppendMessage(ctx context.Context, m domain.ChatMessage) error

	// ListMessages returns up to limit of the most recent messages for a
	// session, oldest first. A limit <= 0 returns everything stored.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)

	// ListSessions returns stored sessions, most recently active first.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies connectivity and returns an error if the store is unreachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Open returns the repository selected by cfg.Driver, or nil when
// transcripts are disabled.
func Open(ctx context.Context, cfg config.TranscriptConfig, logger *slog.Logger) (Repository, error) {
	switch cfg.Driver {
	case config.TranscriptSQLite:
		s, err := NewSQLite(cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.TranscriptRedis:
		s, err := NewRedis(ctx, RedisConfig{
			Addr:      cfg.RedisAddr,
			TTL:       cfg.RedisTTL,
			MaxPerKey: cfg.MaxPerKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.TranscriptNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transcript driver %q", cfg.Driver)
	}
}
