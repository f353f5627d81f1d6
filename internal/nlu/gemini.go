package nlu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/ashureev/taskflow/internal/catalog"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Gemini classifies and extracts with a Gemini model through the genai SDK.
type Gemini struct {
	client  *genai.Client
	model   string
	catalog *catalog.Holder
}

// NewGemini builds the backend.
func NewGemini(ctx context.Context, cfg GeminiConfig, c *catalog.Holder) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini backend: GEMINI_API_KEY is not set")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{client: client, model: model, catalog: c}, nil
}

// Name implements Backend.
func (g *Gemini) Name() string { return "gemini" }

// Classify implements Backend.
func (g *Gemini) Classify(ctx context.Context, in ClassifyInput) (Classification, error) {
	text, err := g.complete(ctx, classifySystemPrompt(g.catalog.Load()), classifyUserPrompt(in))
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(text)
}

// Extract implements Backend.
func (g *Gemini) Extract(ctx context.Context, in ExtractInput) (Extraction, error) {
	task, ok := g.catalog.Load().Get(in.TaskType)
	if !ok {
		return Extraction{}, fmt.Errorf("%w: unknown task type %q", ErrBadResponse, in.TaskType)
	}
	text, err := g.complete(ctx, extractSystemPrompt(task), extractUserPrompt(in))
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(text)
}

func (g *Gemini) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(user, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return "", geminiError(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrBadResponse)
	}
	return text, nil
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("gemini: %w", err)
}
