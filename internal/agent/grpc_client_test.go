package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// grpcHandler answers one unary assistant call.
type grpcHandler func(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)

func newTestGrpcClient(t *testing.T, h grpcHandler) (*GrpcClient, *health.Server) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	hs := health.NewServer()
	hs.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := h(stream.Context(), method, in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	grpc_health_v1.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewGrpcClient(GrpcClientConfig{
		Address: "passthrough:///bufnet",
		APIKey:  "secret",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewGrpcClient failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, hs
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return s
}

func TestGrpcClientCreateSession(t *testing.T) {
	t.Parallel()

	c, _ := newTestGrpcClient(t, func(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
		if method != methodCreateSession {
			return nil, status.Errorf(codes.Unimplemented, "unexpected method %s", method)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer secret" {
			t.Errorf("expected bearer token, got %v", got)
		}
		if title := in.GetFields()["title"].GetStringValue(); title != "Code Assistant" {
			t.Errorf("unexpected title %q", title)
		}
		return mustStruct(t, map[string]any{"data": map[string]any{"session_id": "g-1"}}), nil
	})

	id, err := c.CreateSession(context.Background(), CreateSessionRequest{Title: "Code Assistant"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id != "g-1" {
		t.Fatalf("expected g-1, got %q", id)
	}
}

func TestGrpcClientCreateSessionWithoutID(t *testing.T) {
	t.Parallel()

	c, _ := newTestGrpcClient(t, func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		return mustStruct(t, map[string]any{"ok": true}), nil
	})

	_, err := c.CreateSession(context.Background(), CreateSessionRequest{Title: "x"})
	var srvErr *domain.ServerError
	if !errors.As(err, &srvErr) || srvErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 ServerError, got %v", err)
	}
}

func TestGrpcClientChat(t *testing.T) {
	t.Parallel()

	c, _ := newTestGrpcClient(t, func(_ context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
		if method != methodChat {
			return nil, status.Errorf(codes.Unimplemented, "unexpected method %s", method)
		}
		f := in.GetFields()
		if f["sessionId"].GetStringValue() != "s1" || f["message"].GetStringValue() != "hi" {
			t.Errorf("unexpected request %v", in)
		}
		return mustStruct(t, map[string]any{
			"message":    "hello",
			"tokensUsed": 12,
			"codeBlocks": []any{map[string]any{"language": "go", "content": "package main"}},
		}), nil
	})

	reply, err := c.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply.Message != "hello" || reply.TokensUsed != 12 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.SessionID != "s1" {
		t.Fatalf("expected request session to be filled in, got %q", reply.SessionID)
	}
	if len(reply.CodeBlocks) == 0 {
		t.Fatal("expected raw code blocks to be kept")
	}
}

func isSessionInvalid(err error) bool {
	var e *domain.SessionInvalidError
	return errors.As(err, &e) && e.SessionID == "s1"
}

func isTransport(err error) bool {
	var e *domain.TransportError
	return errors.As(err, &e) && e.Op == "chat"
}

func isTimeout(err error) bool {
	var e *domain.TimeoutError
	return errors.As(err, &e)
}

func hasServerStatus(want int) func(error) bool {
	return func(err error) bool {
		var e *domain.ServerError
		return errors.As(err, &e) && e.Status == want
	}
}

func TestGrpcClientClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		check  func(error) bool
		expect string
	}{
		{"not found", status.Error(codes.NotFound, "no such conversation"), isSessionInvalid, "SessionInvalidError"},
		{"precondition mentioning session", status.Error(codes.FailedPrecondition, "session expired"), isSessionInvalid, "SessionInvalidError"},
		{"precondition", status.Error(codes.FailedPrecondition, "quota not configured"), hasServerStatus(http.StatusPreconditionFailed), "ServerError 412"},
		{"internal mentioning session", status.Error(codes.Internal, "session invalid"), isSessionInvalid, "SessionInvalidError"},
		{"unavailable", status.Error(codes.Unavailable, "draining"), isTransport, "TransportError"},
		{"deadline", status.Error(codes.DeadlineExceeded, "model too slow"), isTimeout, "TimeoutError"},
		{"exhausted", status.Error(codes.ResourceExhausted, "slow down"), hasServerStatus(http.StatusTooManyRequests), "ServerError 429"},
		{"internal", status.Error(codes.Internal, "boom"), hasServerStatus(http.StatusInternalServerError), "ServerError 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestGrpcClient(t, func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
				return nil, tt.err
			})
			_, err := c.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "hi"})
			if !tt.check(err) {
				t.Fatalf("expected %s, got %T: %v", tt.expect, err, err)
			}
		})
	}
}

func TestGrpcClientCallerDeadline(t *testing.T) {
	t.Parallel()

	c, _ := newTestGrpcClient(t, func(ctx context.Context, _ string, _ *structpb.Struct) (*structpb.Struct, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Chat(ctx, ChatRequest{SessionID: "s1", Message: "hi"})
	var timeout *domain.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
}

func TestGrpcClientHealth(t *testing.T) {
	t.Parallel()

	c, hs := newTestGrpcClient(t, func(context.Context, string, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unimplemented, "unused")
	})

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected serving backend to be healthy, got %v", err)
	}

	hs.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	err := c.Health(context.Background())
	var srvErr *domain.ServerError
	if !errors.As(err, &srvErr) || srvErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 ServerError, got %v", err)
	}
}

func TestGrpcClientNotReady(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 10)
	_ = lis.Close()

	_, err := NewGrpcClient(GrpcClientConfig{
		Address:        "passthrough:///closed",
		ConnectTimeout: 100 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	if err == nil {
		t.Fatal("expected readiness failure for a closed listener")
	}
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.NotFound, http.StatusNotFound},
		{codes.Aborted, http.StatusConflict},
		{codes.ResourceExhausted, http.StatusTooManyRequests},
		{codes.Unimplemented, http.StatusNotImplemented},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{codes.Unknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatusFor(tt.code); got != tt.want {
			t.Errorf("httpStatusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
