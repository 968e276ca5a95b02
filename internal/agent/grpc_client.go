package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// Full method names of the assistant service. Messages travel as
// google.protobuf.Struct so no generated stubs are needed.
const (
	methodCreateSession = "/assistant.v1.AssistantService/CreateSession"
	methodChat          = "/assistant.v1.AssistantService/Chat"
	healthServiceName   = "assistant.v1.AssistantService"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient talks to the backend over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	addr   string
	apiKey string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	APIKey           string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// SkipReadyCheck leaves the connection lazy instead of failing fast at startup.
	SkipReadyCheck bool
	// DialOptions are appended after the defaults, e.g. a custom dialer.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient dials the backend and, unless SkipReadyCheck is set,
// waits for the channel to become ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", cfg.Address, err)
	}

	if !cfg.SkipReadyCheck {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("backend at %s not ready: %w", cfg.Address, err)
		}
		logger.Info("connected to assistant backend", "address", cfg.Address)
	}

	return &GrpcClient{
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
		addr:   cfg.Address,
		apiKey: cfg.APIKey,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Health queries the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(c.outgoing(ctx), &grpc_health_v1.HealthCheckRequest{Service: healthServiceName})
	if err != nil {
		return classifyGrpcError(ctx, "health", "", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return &domain.ServerError{
			Status:  http.StatusServiceUnavailable,
			Code:    resp.GetStatus().String(),
			Message: "backend reports not serving",
		}
	}
	return nil
}

// CreateSession invokes AssistantService/CreateSession.
func (c *GrpcClient) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"title":   req.Title,
		"context": contextValue(req.Context),
	})
	if err != nil {
		return "", fmt.Errorf("create_session: encode request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(c.outgoing(ctx), methodCreateSession, in, out); err != nil {
		return "", classifyGrpcError(ctx, "create_session", "", err)
	}

	var resp createSessionResponse
	if err := decodeStruct(out, &resp); err != nil {
		return "", &domain.TransportError{Op: "create_session", Err: err}
	}
	id := resp.id()
	if id == "" {
		return "", &domain.ServerError{Status: http.StatusBadGateway, Message: "create session response carried no session id"}
	}
	return id, nil
}

// Chat invokes AssistantService/Chat.
func (c *GrpcClient) Chat(ctx context.Context, req ChatRequest) (*domain.RawReply, error) {
	in, err := structpb.NewStruct(map[string]any{
		"sessionId": req.SessionID,
		"message":   req.Message,
		"context":   contextValue(req.Context),
	})
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(c.outgoing(ctx), methodChat, in, out); err != nil {
		return nil, classifyGrpcError(ctx, "chat", req.SessionID, err)
	}

	var reply domain.RawReply
	if err := decodeStruct(out, &reply); err != nil {
		return nil, &domain.TransportError{Op: "chat", Err: err}
	}
	if reply.SessionID == "" {
		reply.SessionID = req.SessionID
	}
	return &reply, nil
}

func (c *GrpcClient) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

// contextValue keeps structpb happy with a nil map.
func contextValue(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func decodeStruct(s *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := decodeMaybeWrapped(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyGrpcError maps status codes onto the domain taxonomy.
func classifyGrpcError(ctx context.Context, op, sessionID string, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return classifyTransportError(ctx, op, err)
	}

	msg := st.Message()
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &domain.TimeoutError{Op: op, Err: err}
	case codes.Unavailable:
		return &domain.TransportError{Op: op, Err: err}
	case codes.Canceled:
		return &domain.TransportError{Op: op, Err: err}
	case codes.NotFound, codes.FailedPrecondition:
		if sessionID != "" && (st.Code() == codes.NotFound || mentionsSession(msg)) {
			return &domain.SessionInvalidError{SessionID: sessionID, Err: err}
		}
		return &domain.ServerError{Status: httpStatusFor(st.Code()), Code: st.Code().String(), Message: msg}
	default:
		if sessionID != "" && mentionsSession(msg) {
			return &domain.SessionInvalidError{SessionID: sessionID, Err: err}
		}
		return &domain.ServerError{Status: httpStatusFor(st.Code()), Code: st.Code().String(), Message: msg}
	}
}

func httpStatusFor(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
