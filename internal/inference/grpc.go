package inference

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"camrelay/internal/pipeline"
)

// GRPCBackend calls the Infer method of a remote inference service.
type GRPCBackend struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
}

// GRPCConfig configures a GRPCBackend.
type GRPCConfig struct {
	Endpoint    string
	DialOptions []grpc.DialOption // appended after the defaults
}

// NewGRPCBackend creates a client connection. The connection is established
// lazily on the first call.
func NewGRPCBackend(cfg GRPCConfig) (*GRPCBackend, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(16 * 1024 * 1024)),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client for %s: %w", cfg.Endpoint, err)
	}
	return &GRPCBackend{
		endpoint: cfg.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
	}, nil
}

func (b *GRPCBackend) Name() string { return "grpc" }

func (b *GRPCBackend) Infer(ctx context.Context, frame pipeline.Frame) (*pipeline.InferenceResult, error) {
	req, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, InferMethod, req, resp); err != nil {
		return nil, err
	}
	return decodeResult(resp)
}

// Check queries the standard gRPC health service for the inference service.
func (b *GRPCBackend) Check(ctx context.Context) error {
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("inference service %s is %s", b.endpoint, resp.GetStatus())
	}
	return nil
}

func (b *GRPCBackend) Close() error {
	return b.conn.Close()
}
