package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/identity"
	"github.com/ashureev/taskflow/internal/preference"
	"github.com/ashureev/taskflow/internal/session"
)

// MessageRequest is the body of POST /api/flow/messages. Exactly one of Message and
// Action is expected; Action wins when both are set.
type MessageRequest struct {
	Message string `json:"message"`
	Action  string `json:"action"`
}

// ResultRequest is a worker's report on one dispatch. Message is accepted as an alias
// of Detail.
type ResultRequest struct {
	Success *bool  `json:"success"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// TaskTypeView is the localized catalog entry served to clients.
type TaskTypeView struct {
	Name         string               `json:"name"`
	Display      string               `json:"display"`
	Example      string               `json:"example,omitempty"`
	Required     []string             `json:"required"`
	Recommended  []string             `json:"recommended"`
	Optional     []string             `json:"optional,omitempty"`
	Capabilities []catalog.Capability `json:"capabilities"`
}

// FlowHandler serves the conversation API.
type FlowHandler struct {
	sessions *session.Manager
	prefs    *preference.Store
	catalog  *catalog.Holder
	limiter  *RateLimiter
	maxBody  int64
	logger   *slog.Logger
}

// NewFlowHandler creates a FlowHandler. A nil limiter disables rate limiting.
func NewFlowHandler(sessions *session.Manager, prefs *preference.Store, cat *catalog.Holder, limiter *RateLimiter, maxBody int64, logger *slog.Logger) *FlowHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = 64 * 1024
	}
	return &FlowHandler{
		sessions: sessions,
		prefs:    prefs,
		catalog:  cat,
		limiter:  limiter,
		maxBody:  maxBody,
		logger:   logger,
	}
}

// RegisterRoutes registers the flow routes.
func (h *FlowHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/flow/messages", h.PostMessage)
		r.Get("/flow/session", h.GetSession)
		r.Delete("/flow/session", h.ResetSession)
		r.Get("/preferences", h.GetPreferences)
		r.Patch("/preferences", h.PatchPreferences)
		r.Get("/catalog", h.GetCatalog)
		r.Post("/dispatches/{id}/result", h.PostResult)
	})
}

// PostMessage runs one user message or action through the session's flow.
func (h *FlowHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	tenant := identity.TenantFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	var req MessageRequest
	if !decode(w, r, h.maxBody, &req) {
		return
	}

	message := strings.TrimSpace(req.Message)
	if req.Action != "" {
		text, ok := flow.ResolveAction(h.catalog.Load(), tenant.LocaleOrDefault(), req.Action)
		if !ok {
			Error(w, http.StatusBadRequest, "unknown action")
			return
		}
		message = text
	}
	if message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(tenant.TenantID) {
		h.logger.Warn("Rate limit exceeded", "tenant_id", tenant.TenantID, "session_id", sessionID)
		JSON(w, http.StatusTooManyRequests, flow.RateLimited(tenant.LocaleOrDefault()))
		return
	}

	resp, err := h.sessions.Process(r.Context(), tenant, sessionID, message)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSuperseded):
			Error(w, http.StatusConflict, "superseded by a newer message")
		case r.Context().Err() != nil:
			h.logger.Debug("Client went away", "tenant_id", tenant.TenantID, "session_id", sessionID)
		default:
			h.logger.Error("Failed to process message", "tenant_id", tenant.TenantID, "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to process message")
		}
		return
	}
	JSON(w, http.StatusOK, resp)
}

// GetSession returns the current session state.
func (h *FlowHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	tenant := identity.TenantFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	state, err := h.sessions.State(r.Context(), tenant.TenantID, sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", "tenant_id", tenant.TenantID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	JSON(w, http.StatusOK, state)
}

// ResetSession abandons the current task.
func (h *FlowHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	tenant := identity.TenantFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	state, err := h.sessions.Reset(r.Context(), tenant.TenantID, sessionID)
	if err != nil {
		h.logger.Error("Failed to reset session", "tenant_id", tenant.TenantID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	JSON(w, http.StatusOK, state)
}

// GetPreferences returns the tenant's learned preferences.
func (h *FlowHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	tenant := identity.TenantFromContext(r.Context())
	rec, err := h.prefs.Get(r.Context(), tenant.TenantID)
	if err != nil {
		h.logger.Error("Failed to load preferences", "tenant_id", tenant.TenantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	JSON(w, http.StatusOK, rec.Snapshot())
}

// PatchPreferences updates the explicit skip and auto-approve flags.
func (h *FlowHandler) PatchPreferences(w http.ResponseWriter, r *http.Request) {
	tenant := identity.TenantFromContext(r.Context())

	var set preference.Settings
	if !decode(w, r, h.maxBody, &set) {
		return
	}
	if set.SkipRecommendations == nil && set.AutoApprove == nil {
		Error(w, http.StatusBadRequest, "nothing to update")
		return
	}

	rec, err := h.prefs.Get(r.Context(), tenant.TenantID)
	if err != nil {
		h.logger.Error("Failed to load preferences", "tenant_id", tenant.TenantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if err := h.prefs.Apply(r.Context(), rec, set); err != nil {
		h.logger.Error("Failed to save preferences", "tenant_id", tenant.TenantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	JSON(w, http.StatusOK, rec.Snapshot())
}

// GetCatalog lists the task types in the request's locale.
func (h *FlowHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	locale := identity.TenantFromContext(r.Context()).LocaleOrDefault()
	types := h.catalog.Load().Types()
	out := make([]TaskTypeView, 0, len(types))
	for _, t := range types {
		out = append(out, TaskTypeView{
			Name:         t.Name,
			Display:      t.DisplayName(locale),
			Example:      t.Example(locale),
			Required:     t.Required,
			Recommended:  t.Recommended,
			Optional:     t.Optional,
			Capabilities: t.Capabilities,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"task_types": out})
}

// PostResult records a worker's outcome for one dispatch. The response is 200 with the
// final flow response once the task is finished, or 202 while sibling dispatches are
// still pending.
func (h *FlowHandler) PostResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResultRequest
	if !decode(w, r, h.maxBody, &req) {
		return
	}
	if req.Success == nil {
		Error(w, http.StatusBadRequest, "success is required")
		return
	}

	detail := req.Detail
	if detail == "" {
		detail = req.Message
	}
	resp, err := h.sessions.ReportResult(r.Context(), id, *req.Success, detail)
	switch {
	case errors.Is(err, session.ErrUnknownDispatch):
		Error(w, http.StatusNotFound, "unknown dispatch")
	case errors.Is(err, session.ErrNotExecuting):
		Error(w, http.StatusConflict, "session is no longer executing this dispatch")
	case err != nil:
		h.logger.Error("Failed to record dispatch result", "dispatch_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record result")
	case resp == nil:
		JSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	default:
		JSON(w, http.StatusOK, resp)
	}
}
