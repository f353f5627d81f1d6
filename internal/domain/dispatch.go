package domain

import "time"

// DispatchStatus tracks an execution request after hand-off.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSucceeded DispatchStatus = "succeeded"
	DispatchFailed    DispatchStatus = "failed"
)

// DispatchRequest commissions one external capability to perform work.
type DispatchRequest struct {
	ID              string         `json:"id"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	TenantID        string         `json:"tenant_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Capability      string         `json:"capability"`
	Category        string         `json:"category"`
	TaskKind        string         `json:"task_kind"`
	InputParameters map[string]any `json:"input_parameters"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DispatchRecord is the persisted view of a dispatch request.
type DispatchRecord struct {
	Request   DispatchRequest
	Status    DispatchStatus
	Error     string
	UpdatedAt time.Time
}
