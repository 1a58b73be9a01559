package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// PushMethod is the full gRPC method the agent service exposes for directives.
const PushMethod = "/interview.agent.v1.AgentDirectives/Push"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Notifier delivers directives to the dialogue agent.
type Notifier interface {
	Push(ctx context.Context, d domain.Directive) error
	Close()
}

// NopNotifier drops directives. Used when no agent address is configured.
type NopNotifier struct{}

func (NopNotifier) Push(context.Context, domain.Directive) error { return nil }

func (NopNotifier) Close() {}

// GrpcConfig holds configuration for the directive client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   3 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcNotifier pushes directives to the agent service over gRPC.
type GrpcNotifier struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// NewGrpcNotifier connects to the agent service and waits until the channel
// is ready. Extra dial options are appended after the defaults.
func NewGrpcNotifier(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("agent address: %w", domain.ErrInvalidInput)
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent directive service", "address", cfg.Address)
	return &GrpcNotifier{conn: conn, timeout: cfg.RequestTimeout, logger: logger}, nil
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

// Push sends one directive. The call is bounded by the request timeout.
func (c *GrpcNotifier) Push(ctx context.Context, d domain.Directive) error {
	req, err := directiveStruct(d)
	if err != nil {
		metrics.Directive(string(d.Kind), "invalid")
		return fmt.Errorf("encode directive: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.conn.Invoke(ctx, PushMethod, req, &emptypb.Empty{}); err != nil {
		metrics.Directive(string(d.Kind), "failed")
		c.logger.Warn("Directive push failed", "kind", d.Kind, "session_id", d.SessionID, "error", err)
		return fmt.Errorf("push directive: %w", err)
	}
	metrics.Directive(string(d.Kind), "sent")
	return nil
}

// Close closes the gRPC connection.
func (c *GrpcNotifier) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func directiveStruct(d domain.Directive) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind":      string(d.Kind),
		"sessionId": d.SessionID,
		"owner":     d.Owner,
		"text":      d.Text,
		"timestamp": d.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(d.Meta) > 0 {
		fields["meta"] = d.Meta
	}
	return structpb.NewStruct(fields)
}

var (
	_ Notifier = NopNotifier{}
	_ Notifier = (*GrpcNotifier)(nil)
)
