package nlu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/taskflow/internal/catalog"
)

func anthropicServer(t *testing.T, status int, text string) (*httptest.Server, *atomic.Pointer[string]) {
	t.Helper()
	lastBody := &atomic.Pointer[string]{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		lastBody.Store(&s)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
			return
		}
		resp := map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-haiku-4-5",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": text}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 10},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, lastBody
}

func TestAnthropicClassify(t *testing.T) {
	t.Parallel()

	srv, body := anthropicServer(t, http.StatusOK,
		"Here you go:\n{\"task_type\": \"social_post\", \"confidence\": 0.93, \"params\": {\"topic\": \"kawa\"}}")
	b, err := NewAnthropic(context.Background(), AnthropicConfig{APIKey: "test", BaseURL: srv.URL}, catalog.NewHolder(catalog.Builtin()))
	require.NoError(t, err)

	got, err := b.Classify(context.Background(), ClassifyInput{Text: "stwórz post o kawie", Locale: "pl"})
	require.NoError(t, err)
	assert.Equal(t, "social_post", got.TaskType)
	assert.InDelta(t, 0.93, got.Confidence, 1e-9)
	assert.Equal(t, "kawa", got.Params["topic"])
	assert.Contains(t, *body.Load(), "interview_questions", "system prompt lists the catalog")
}

func TestAnthropicRateLimit(t *testing.T) {
	t.Parallel()

	srv, _ := anthropicServer(t, http.StatusTooManyRequests, "")
	b, err := NewAnthropic(context.Background(), AnthropicConfig{APIKey: "test", BaseURL: srv.URL}, catalog.NewHolder(catalog.Builtin()))
	require.NoError(t, err)

	_, err = b.Classify(context.Background(), ClassifyInput{Text: "post"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAnthropicRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewAnthropic(context.Background(), AnthropicConfig{}, catalog.NewHolder(catalog.Builtin()))
	assert.Error(t, err)
}

func TestAnthropicGarbageReply(t *testing.T) {
	t.Parallel()

	srv, _ := anthropicServer(t, http.StatusOK, "I cannot help with that.")
	b, err := NewAnthropic(context.Background(), AnthropicConfig{APIKey: "test", BaseURL: srv.URL}, catalog.NewHolder(catalog.Builtin()))
	require.NoError(t, err)

	_, err = b.Extract(context.Background(), ExtractInput{Text: "x", TaskType: "social_post"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestGeminiExtract(t *testing.T) {
	t.Parallel()

	var path atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		path.Store(&p)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": `{"params": {"tone": "zabawny"}, "confidence": 0.8}`}},
				},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	b, err := NewGemini(context.Background(), GeminiConfig{APIKey: "test", Model: "gemini-test", BaseURL: srv.URL + "/"}, catalog.NewHolder(catalog.Builtin()))
	require.NoError(t, err)

	got, err := b.Extract(context.Background(), ExtractInput{Text: "zabawny", TaskType: "social_post", TargetParam: "tone"})
	require.NoError(t, err)
	assert.Equal(t, "zabawny", got.Params["tone"])
	assert.True(t, strings.Contains(*path.Load(), "gemini-test"), *path.Load())
}

func TestOpenBackend(t *testing.T) {
	t.Parallel()

	holder := catalog.NewHolder(catalog.Builtin())

	b, closeFn, err := OpenBackend(context.Background(), BackendConfig{Name: BackendNone}, holder, nil)
	require.NoError(t, err)
	assert.Nil(t, b)
	closeFn()

	_, _, err = OpenBackend(context.Background(), BackendConfig{Name: "oracle"}, holder, nil)
	assert.Error(t, err)

	b, _, err = OpenBackend(context.Background(), BackendConfig{Name: BackendAnthropic, Anthropic: AnthropicConfig{APIKey: "k"}}, holder, nil)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", b.Name())
}
