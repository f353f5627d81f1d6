package nlu

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/taskflow/internal/catalog"
)

// Enhanced backend names accepted by OpenBackend.
const (
	BackendNone      = "none"
	BackendAnthropic = "anthropic"
	BackendGemini    = "gemini"
	BackendGRPC      = "grpc"
)

// BackendConfig selects and configures the enhanced backend.
type BackendConfig struct {
	Name      string
	Anthropic AnthropicConfig
	Gemini    GeminiConfig
	GRPC      GRPCConfig
}

// OpenBackend builds the configured enhanced backend. It returns a nil Backend for
// "none". The returned close function is never nil.
func OpenBackend(ctx context.Context, cfg BackendConfig, c *catalog.Holder, logger *slog.Logger) (Backend, func(), error) {
	noop := func() {}
	switch cfg.Name {
	case "", BackendNone:
		return nil, noop, nil
	case BackendAnthropic:
		b, err := NewAnthropic(ctx, cfg.Anthropic, c)
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	case BackendGemini:
		b, err := NewGemini(ctx, cfg.Gemini, c)
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	case BackendGRPC:
		b, err := NewGRPC(cfg.GRPC, logger)
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown NLU backend %q", cfg.Name)
	}
}
