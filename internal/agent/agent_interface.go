package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/shsh-assist/internal/config"
	"github.com/ashureev/shsh-assist/internal/domain"
)

// Backend is one transport to the remote chat backend.
// Implementations classify failures into the domain error taxonomy
// (TimeoutError, TransportError, ServerError, SessionInvalidError).
type Backend interface {
	// CreateSession opens a conversation and returns its backend session ID.
	CreateSession(ctx context.Context, req CreateSessionRequest) (string, error)

	// Chat sends one message within a session and returns the raw reply.
	Chat(ctx context.Context, req ChatRequest) (*domain.RawReply, error)

	// Health performs a lightweight liveness check.
	Health(ctx context.Context) error

	// Close releases resources
	Close() error
}

// Ensure both transports implement Backend.
var (
	_ Backend = (*HTTPClient)(nil)
	_ Backend = (*GrpcClient)(nil)
)

// NewBackend builds the transport selected by cfg.Transport.
func NewBackend(cfg config.BackendConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		c, err := NewGrpcClient(GrpcClientConfig{
			Address:        cfg.GRPCAddr,
			APIKey:         cfg.APIKey,
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportHTTP, "":
		return NewHTTPClient(HTTPClientConfig{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend transport %q", cfg.Transport)
	}
}
