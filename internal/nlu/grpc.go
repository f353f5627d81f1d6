package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote NLU service methods. Requests and responses are google.protobuf.Struct messages
// carrying the same JSON shapes the hosted-model backends use.
const (
	grpcClassifyMethod = "/taskflow.nlu.v1.NLU/Classify"
	grpcExtractMethod  = "/taskflow.nlu.v1.NLU/Extract"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the remote NLU client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC is a Backend served by a remote NLU service.
type GRPC struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPC connects to the remote NLU service and fails fast when it is not reachable.
// Extra dial options are appended after the defaults.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGRPCConfig()
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

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create NLU client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("NLU service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to NLU service", "address", cfg.Address)
	return &GRPC{conn: conn, addr: cfg.Address, logger: logger}, nil
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

// Name implements Backend.
func (g *GRPC) Name() string { return "grpc" }

// Close closes the connection.
func (g *GRPC) Close() {
	if err := g.conn.Close(); err != nil {
		g.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Classify implements Backend.
func (g *GRPC) Classify(ctx context.Context, in ClassifyInput) (Classification, error) {
	text, err := g.invoke(ctx, grpcClassifyMethod, map[string]any{
		"message":           in.Text,
		"locale":            in.Locale,
		"context":           in.Context,
		"previous_task":     in.PreviousTaskType,
		"question_pending":  in.PendingQuestion,
		"answering_pending": in.Answering,
	})
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(text)
}

// Extract implements Backend.
func (g *GRPC) Extract(ctx context.Context, in ExtractInput) (Extraction, error) {
	missing := make([]any, len(in.Missing))
	for i, m := range in.Missing {
		missing[i] = m
	}
	gathered := make(map[string]any, len(in.Gathered))
	for k, v := range in.Gathered {
		gathered[k] = v
	}
	text, err := g.invoke(ctx, grpcExtractMethod, map[string]any{
		"message":      in.Text,
		"locale":       in.Locale,
		"context":      in.Context,
		"task_type":    in.TaskType,
		"gathered":     gathered,
		"missing":      missing,
		"target_param": in.TargetParam,
	})
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(text)
}

func (g *GRPC) invoke(ctx context.Context, method string, payload map[string]any) (string, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, method, req, resp); err != nil {
		return "", grpcError(err)
	}
	data, err := json.Marshal(resp.AsMap())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return string(data), nil
}

func grpcError(err error) error {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("nlu rpc: %w", err)
	}
}
