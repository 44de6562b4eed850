package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Generation service identifiers.
const (
	GeneratorService = "supportdesk.v1.ResponseGenerator"
	generateMethod   = "/" + GeneratorService + "/Generate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGenerateResponse         = errors.New("generate returned error")
)

// GrpcGenerator calls a remote response generator over gRPC. Requests and
// responses are google.protobuf.Struct messages.
type GrpcGenerator struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcGeneratorConfig holds configuration for the gRPC client.
type GrpcGeneratorConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcGeneratorConfig returns default configuration for addr.
func DefaultGrpcGeneratorConfig(addr string) GrpcGeneratorConfig {
	return GrpcGeneratorConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcGenerator connects to the generator at cfg.Address and fails fast if
// it does not become ready within the connect timeout.
func NewGrpcGenerator(cfg GrpcGeneratorConfig, logger *slog.Logger) (*GrpcGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: no address configured", ErrGeneratorUnavailable)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to response generator", "address", cfg.Address)

	return &GrpcGenerator{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
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
func (g *GrpcGenerator) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the generator through the standard gRPC health service.
func (g *GrpcGenerator) Health(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: GeneratorService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: generator status %s", ErrGeneratorUnavailable, resp.GetStatus())
	}
	return nil
}

func generateRequest(sc SessionContext, prompt string) (*structpb.Struct, error) {
	history := make([]any, 0, len(sc.History))
	for _, ex := range sc.History {
		history = append(history, map[string]any{"prompt": ex.Prompt, "reply": ex.Reply})
	}
	return structpb.NewStruct(map[string]any{
		"session_id":     sc.SessionID,
		"agent_id":       sc.AgentID,
		"system_prompt":  sc.SystemPrompt,
		"model_provider": sc.ModelProvider,
		"model_name":     sc.ModelName,
		"temperature":    sc.Temperature,
		"max_tokens":     sc.MaxTokens,
		"prompt":         prompt,
		"history":        history,
	})
}

// Generate sends the prompt and session context and returns the reply text.
func (g *GrpcGenerator) Generate(ctx context.Context, sc SessionContext, prompt string) (string, error) {
	req, err := generateRequest(sc, prompt)
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, generateMethod, req, resp); err != nil {
		g.logger.Warn("Generate call failed", "error", err, "agent_id", sc.AgentID, "session_id", sc.SessionID)
		return "", fmt.Errorf("generate request failed: %w", err)
	}

	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return "", fmt.Errorf("%w: %s", errGenerateResponse, msg)
	}
	text := fields["text"].GetStringValue()
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

var _ Generator = (*GrpcGenerator)(nil)
