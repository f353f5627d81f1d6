// Package dispatch hands confirmed tasks to the workers that execute them.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
)

// Dispatcher delivers a dispatch request to a worker. Delivery must be safe to repeat
// for the same idempotency key.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) error
}

// Build creates one request per capability of the task, in declared order.
func Build(state *domain.SessionState, task *catalog.TaskType) ([]domain.DispatchRequest, error) {
	now := time.Now().UTC()
	reqs := make([]domain.DispatchRequest, 0, len(task.Capabilities))
	for i, c := range task.Capabilities {
		params := maps.Clone(state.GatheredParams)
		if params == nil {
			params = map[string]any{}
		}
		key, err := IdempotencyKey(state, i, c.Capability, params)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, domain.DispatchRequest{
			ID:              uuid.NewString(),
			IdempotencyKey:  key,
			TenantID:        state.TenantID,
			SessionID:       state.SessionID,
			Capability:      c.Capability,
			Category:        c.Category,
			TaskKind:        c.TaskKind,
			InputParameters: params,
			CreatedAt:       now,
		})
	}
	return reqs, nil
}

// IdempotencyKey hashes the canonical JSON form of one negotiated task step. The same
// negotiation always yields the same key, so a repeated hand-off is recognised downstream.
func IdempotencyKey(state *domain.SessionState, step int, capability string, params map[string]any) (string, error) {
	// encoding/json writes map keys sorted, which makes the form canonical.
	data, err := json.Marshal(struct {
		TenantID   string         `json:"tenant_id"`
		SessionID  string         `json:"session_id"`
		TaskType   string         `json:"task_type"`
		StartedAt  int64          `json:"started_at"`
		Step       int            `json:"step"`
		Capability string         `json:"capability"`
		Params     map[string]any `json:"params"`
	}{state.TenantID, state.SessionID, state.TaskType, state.TaskStartedAt.UnixNano(), step, capability, params})
	if err != nil {
		return "", fmt.Errorf("canonical dispatch form: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LogDispatcher only logs requests. It is used when no worker endpoint is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the request.
func (d *LogDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) error {
	d.logger.Info("Dispatch request",
		"dispatch_id", req.ID,
		"tenant_id", req.TenantID,
		"session_id", req.SessionID,
		"capability", req.Capability,
		"task_kind", req.TaskKind,
		"params", req.InputParameters,
	)
	return nil
}
