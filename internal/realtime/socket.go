package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/identity"
	"github.com/ashureev/taskflow/internal/session"
)

// Frame types.
const (
	FrameMessage  = "message"
	FrameAction   = "action"
	FrameReset    = "reset"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameResponse = "response"
	FrameResult   = "result"
	FrameSession  = "session"
	FrameError    = "error"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type     string               `json:"type"`
	Content  string               `json:"content,omitempty"`
	Action   string               `json:"action,omitempty"`
	Response *domain.FlowResponse `json:"response,omitempty"`
	Session  *domain.SessionState `json:"session,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Limiter throttles messages per tenant.
type Limiter interface {
	Allow(key string) bool
}

// Handler serves /ws/flow. Each message runs on its own goroutine, so a newer message
// supersedes one still in flight.
type Handler struct {
	sessions       *session.Manager
	catalog        *catalog.Holder
	registry       *Registry
	limiter        Limiter
	allowedOrigins []string
	isDev          bool
	readLimit      int64
	logger         *slog.Logger
}

// Options configures a Handler.
type Options struct {
	Limiter        Limiter
	AllowedOrigins []string
	IsDev          bool
	ReadLimit      int64
}

// NewHandler creates a WebSocket handler.
func NewHandler(sessions *session.Manager, cat *catalog.Holder, registry *Registry, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	return &Handler{
		sessions:       sessions,
		catalog:        cat,
		registry:       registry,
		limiter:        opts.Limiter,
		allowedOrigins: opts.AllowedOrigins,
		isDev:          opts.IsDev,
		readLimit:      opts.ReadLimit,
		logger:         logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := identity.TenantFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "tenant_id", tenant.TenantID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "tenant_id", tenant.TenantID)
		}
	}()
	ws.SetReadLimit(h.readLimit)

	h.registry.Register(tenant.TenantID, sessionID, ws)
	defer h.registry.Unregister(tenant.TenantID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if state, err := h.sessions.State(ctx, tenant.TenantID, sessionID); err == nil {
		h.write(ctx, ws, Frame{Type: FrameSession, Session: state})
	} else {
		h.logger.Warn("Failed to load session", "tenant_id", tenant.TenantID, "session_id", sessionID, "error", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	h.readLoop(ctx, ws, tenant, sessionID, &wg)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, tenant domain.TenantContext, sessionID string, wg *sync.WaitGroup) {
	locale := tenant.LocaleOrDefault()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "tenant_id", tenant.TenantID, "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "tenant_id", tenant.TenantID)
			}
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.write(ctx, ws, Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}

		switch in.Type {
		case FramePing:
			h.write(ctx, ws, Frame{Type: FramePong})
		case FrameReset:
			state, err := h.sessions.Reset(ctx, tenant.TenantID, sessionID)
			if err != nil {
				h.logger.Error("Failed to reset session", "tenant_id", tenant.TenantID, "session_id", sessionID, "error", err)
				h.write(ctx, ws, Frame{Type: FrameError, Error: "failed to reset session"})
				continue
			}
			h.write(ctx, ws, Frame{Type: FrameSession, Session: state})
		case FrameMessage, FrameAction:
			message := strings.TrimSpace(in.Content)
			if in.Type == FrameAction {
				text, ok := flow.ResolveAction(h.catalog.Load(), locale, in.Action)
				if !ok {
					h.write(ctx, ws, Frame{Type: FrameError, Error: "unknown action"})
					continue
				}
				message = text
			}
			if message == "" {
				h.write(ctx, ws, Frame{Type: FrameError, Error: "message is required"})
				continue
			}
			if h.limiter != nil && !h.limiter.Allow(tenant.TenantID) {
				resp := flow.RateLimited(locale)
				h.write(ctx, ws, Frame{Type: FrameResponse, Response: &resp})
				continue
			}
			run := h.sessions.Submit(ctx, tenant, sessionID, message)
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.deliver(ctx, ws, tenant, sessionID, run)
			}()
		default:
			h.write(ctx, ws, Frame{Type: FrameError, Error: "unknown frame type"})
		}
	}
}

func (h *Handler) deliver(ctx context.Context, ws *websocket.Conn, tenant domain.TenantContext, sessionID string, run func() (domain.FlowResponse, error)) {
	resp, err := run()
	switch {
	case errors.Is(err, domain.ErrSuperseded):
		h.logger.Debug("Message superseded", "tenant_id", tenant.TenantID, "session_id", sessionID)
	case ctx.Err() != nil:
	case err != nil:
		h.logger.Error("Failed to process message", "tenant_id", tenant.TenantID, "session_id", sessionID, "error", err)
		h.write(ctx, ws, Frame{Type: FrameError, Error: "failed to process message"})
	default:
		h.write(ctx, ws, Frame{Type: FrameResponse, Response: &resp})
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to encode frame", "type", f.Type, "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		h.logger.Debug("WebSocket write error", "type", f.Type, "error", err)
	}
}
