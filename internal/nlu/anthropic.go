package nlu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ashureev/taskflow/internal/catalog"
)

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// UseBedrock routes calls through AWS Bedrock with the default AWS credential chain.
	UseBedrock bool
	AWSRegion  string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Anthropic classifies and extracts with a Claude model.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	catalog   *catalog.Holder
}

// NewAnthropic builds the backend. Retries are left to Service.
func NewAnthropic(ctx context.Context, cfg AnthropicConfig, c *catalog.Holder) (*Anthropic, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic backend: ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeHaiku4_5
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		catalog:   c,
	}, nil
}

// Name implements Backend.
func (a *Anthropic) Name() string { return "anthropic" }

// Classify implements Backend.
func (a *Anthropic) Classify(ctx context.Context, in ClassifyInput) (Classification, error) {
	text, err := a.complete(ctx, classifySystemPrompt(a.catalog.Load()), classifyUserPrompt(in))
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(text)
}

// Extract implements Backend.
func (a *Anthropic) Extract(ctx context.Context, in ExtractInput) (Extraction, error) {
	task, ok := a.catalog.Load().Get(in.TaskType)
	if !ok {
		return Extraction{}, fmt.Errorf("%w: unknown task type %q", ErrBadResponse, in.TaskType)
	}
	text, err := a.complete(ctx, extractSystemPrompt(task), extractUserPrompt(in))
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(text)
}

func (a *Anthropic) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", anthropicError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrBadResponse)
	}
	return b.String(), nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}
