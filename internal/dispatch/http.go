package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
)

// ErrRejected is returned when the worker endpoint refuses a request.
var ErrRejected = errors.New("dispatch rejected")

// HTTPConfig configures the webhook dispatcher.
type HTTPConfig struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// HTTPDispatcher posts dispatch requests as JSON to a worker endpoint.
type HTTPDispatcher struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPDispatcher creates a webhook dispatcher.
func NewHTTPDispatcher(cfg HTTPConfig, logger *slog.Logger) (*HTTPDispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("dispatch URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Dispatch posts the request, retrying transport errors and 5xx responses with
// exponential backoff. The Idempotency-Key header lets the worker drop repeats.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			d.logger.Debug("Retrying dispatch", "dispatch_id", req.ID, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("dispatch %s: %w", req.ID, ctx.Err())
			case <-time.After(delay):
			}
		}

		retry, err := d.post(ctx, req, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("dispatch %s: %w", req.ID, lastErr)
}

func (d *HTTPDispatcher) post(ctx context.Context, req domain.DispatchRequest, body []byte) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if req.TenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", req.TenantID)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusConflict:
		// Already accepted under this idempotency key.
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("worker returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return false, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}
}
