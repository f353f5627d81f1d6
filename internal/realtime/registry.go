// Package realtime serves the conversation over WebSocket and pushes execution results
// to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/taskflow/internal/domain"
)

// ErrNotConnected is returned by Push when the session has no live connection.
var ErrNotConnected = errors.New("session not connected")

const pushTimeout = 5 * time.Second

// Conn is the part of *websocket.Conn the registry needs.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Registry tracks the live connection of each tenant session.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]map[string]Conn),
		logger: logger,
	}
}

// Get returns the live connection for a tenant session.
func (r *Registry) Get(tenantID, sessionID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.active[tenantID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection, closing one it replaces.
func (r *Registry) Register(tenantID, sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[tenantID]; !exists {
		r.active[tenantID] = make(map[string]Conn)
	}
	if existing, exists := r.active[tenantID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	r.active[tenantID][sessionID] = conn
	r.logger.Info("Flow socket registered", "tenant_id", tenantID, "session_id", sessionID)
}

// Unregister removes conn if it is still the session's connection.
func (r *Registry) Unregister(tenantID, sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.active[tenantID]
	if !ok {
		return
	}
	if current, exists := sessions[sessionID]; exists && current == conn {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.active, tenantID)
		}
		r.logger.Info("Flow socket unregistered", "tenant_id", tenantID, "session_id", sessionID)
	}
}

// CloseTenant closes every connection of a tenant.
func (r *Registry) CloseTenant(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sid, conn := range r.active[tenantID] {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		r.logger.Info("Flow socket closed", "tenant_id", tenantID, "session_id", sid)
	}
	delete(r.active, tenantID)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// Push writes one JSON frame to a session's connection.
func (r *Registry) Push(ctx context.Context, tenantID, sessionID string, v any) error {
	conn := r.Get(tenantID, sessionID)
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Notify pushes an execution result. It has the shape of session.Notifier.
func (r *Registry) Notify(tenantID, sessionID string, resp domain.FlowResponse) {
	err := r.Push(context.Background(), tenantID, sessionID, Frame{Type: FrameResult, Response: &resp})
	switch {
	case errors.Is(err, ErrNotConnected):
		r.logger.Debug("No socket for result", "tenant_id", tenantID, "session_id", sessionID)
	case err != nil:
		r.logger.Warn("Failed to push result", "tenant_id", tenantID, "session_id", sessionID, "error", err)
	}
}
