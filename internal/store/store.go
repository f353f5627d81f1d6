// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
)

// Repository defines the interface for persisting sessions, preferences and dispatches.
type Repository interface {
	// GetSession retrieves a session state. It returns nil, nil when the session is unknown.
	GetSession(ctx context.Context, tenantID, sessionID string) (*domain.SessionState, error)

	// SaveSession creates or updates a session state.
	SaveSession(ctx context.Context, state *domain.SessionState) error

	// DeleteSession removes a session state.
	DeleteSession(ctx context.Context, tenantID, sessionID string) error

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// LoadPreferences returns the tenant's persisted preferences, or nil when there are none.
	LoadPreferences(ctx context.Context, tenantID string) (*domain.PreferenceSnapshot, error)

	// IncrementPreferences adds one to the counter of every choice, and to the
	// completed-task counter when completed is set.
	IncrementPreferences(ctx context.Context, tenantID string, choices map[string]string, completed bool) error

	// SavePreferenceSettings stores the explicit preference flags.
	SavePreferenceSettings(ctx context.Context, tenantID string, skipRecommendations, autoApprove bool) error

	// CreateDispatch stores a pending dispatch. It returns false when a dispatch with the
	// same idempotency key already exists.
	CreateDispatch(ctx context.Context, req domain.DispatchRequest) (bool, error)

	// GetDispatch retrieves a dispatch by id. It returns nil, nil when the id is unknown.
	GetDispatch(ctx context.Context, id string) (*domain.DispatchRecord, error)

	// UpdateDispatchStatus records the outcome of a dispatch.
	UpdateDispatchStatus(ctx context.Context, id string, status domain.DispatchStatus, errMsg string) error

	// ListDispatches returns the dispatches of a session, oldest first.
	ListDispatches(ctx context.Context, tenantID, sessionID string) ([]*domain.DispatchRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
