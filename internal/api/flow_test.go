//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/identity"
	"github.com/ashureev/taskflow/internal/nlu"
	"github.com/ashureev/taskflow/internal/preference"
	"github.com/ashureev/taskflow/internal/session"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/ashureev/taskflow/internal/vocab"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []domain.DispatchRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *recordingDispatcher) sent() []domain.DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.DispatchRequest(nil), d.reqs...)
}

type server struct {
	handler    http.Handler
	dispatcher *recordingDispatcher
}

func newServer(t *testing.T, limit int) *server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "taskflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cat := catalog.NewHolder(catalog.Builtin())
	voc := vocab.NewHolder(vocab.Builtin())
	prefs := preference.NewStore(preference.DefaultPolicy(), []string{"platform", "tone", "audience"}, repo, nil)
	d := &recordingDispatcher{}
	ctrl := flow.NewController(nlu.NewService(cat, voc, nil, nlu.ServiceConfig{}), cat, voc, nil)
	mgr := session.NewManager(ctrl, prefs, repo, d, nil, session.Config{}, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true, "pl"))
	NewFlowHandler(mgr, prefs, cat, NewRateLimiter(limit, time.Minute), 0, nil).RegisterRoutes(r)
	return &server{handler: r, dispatcher: d}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(identity.TenantHeaderName, "t1")
	req.Header.Set(identity.SessionHeaderName, "s1")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *server) message(t *testing.T, body MessageRequest) domain.FlowResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/flow/messages", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp domain.FlowResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestFlowOverHTTP(t *testing.T) {
	s := newServer(t, 100)

	resp := s.message(t, MessageRequest{Action: "example:social_post"})
	assert.Equal(t, "social_post", resp.Intent)
	require.NotNil(t, resp.SessionState)
	assert.Equal(t, domain.StageGathering, resp.SessionState.Stage)

	resp = s.message(t, MessageRequest{Action: flow.ActionUseDefaults})
	assert.Equal(t, domain.StageConfirming, resp.SessionState.Stage)

	resp = s.message(t, MessageRequest{Action: flow.ActionConfirm})
	assert.Equal(t, domain.StageExecuting, resp.SessionState.Stage)
	assert.True(t, resp.ShouldExecute)
	require.Len(t, s.dispatcher.sent(), 1)

	w := s.do(t, http.MethodGet, "/api/flow/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state domain.SessionState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.Equal(t, domain.StageExecuting, state.Stage)
	assert.Equal(t, "t1", state.TenantID)

	id := s.dispatcher.sent()[0].ID
	w = s.do(t, http.MethodPost, "/api/dispatches/"+id+"/result", map[string]any{"success": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, domain.StageCompleted, resp.SessionState.Stage)

	w = s.do(t, http.MethodPost, "/api/dispatches/"+id+"/result", map[string]any{"success": true})
	assert.Equal(t, http.StatusConflict, w.Code, "a finished task does not accept results")

	w = s.do(t, http.MethodGet, "/api/preferences", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap domain.PreferenceSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.EqualValues(t, 1, snap.TotalCompletedTasks)
}

func TestPostMessageValidation(t *testing.T) {
	s := newServer(t, 100)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"empty message", MessageRequest{Message: "   "}, http.StatusBadRequest},
		{"unknown action", MessageRequest{Action: "launch"}, http.StatusBadRequest},
		{"unknown example", MessageRequest{Action: "example:nope"}, http.StatusBadRequest},
		{"not json", "just text", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, s.do(t, http.MethodPost, "/api/flow/messages", tt.body).Code)
		})
	}
}

func TestPostMessageRateLimited(t *testing.T) {
	s := newServer(t, 1)

	s.message(t, MessageRequest{Message: "stwórz post o kawie"})
	w := s.do(t, http.MethodPost, "/api/flow/messages", MessageRequest{Message: "instagram"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp domain.FlowResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrRateLimited, resp.Error.Kind)
}

func TestResetSession(t *testing.T) {
	s := newServer(t, 100)
	s.message(t, MessageRequest{Message: "stwórz post o kawie"})

	w := s.do(t, http.MethodDelete, "/api/flow/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state domain.SessionState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.Equal(t, domain.StageIdle, state.Stage)
	assert.Empty(t, state.TaskType)
}

func TestPatchPreferences(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodPatch, "/api/preferences", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, "/api/preferences", map[string]any{"auto_approve": true})
	require.Equal(t, http.StatusOK, w.Code)
	var snap domain.PreferenceSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.True(t, snap.AutoApprove)
	assert.False(t, snap.SkipRecommendations)

	resp := s.message(t, MessageRequest{Message: "stwórz post o kawie"})
	s.message(t, MessageRequest{Action: flow.ActionUseDefaults})
	assert.Equal(t, "social_post", resp.Intent)
	assert.Len(t, s.dispatcher.sent(), 1, "auto-approve skips confirmation")
}

func TestPostResultErrors(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodPost, "/api/dispatches/missing/result", map[string]any{"success": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/dispatches/missing/result", map[string]any{"detail": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCatalog(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodGet, "/api/catalog?locale=en", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		TaskTypes []TaskTypeView `json:"task_types"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.NotEmpty(t, body.TaskTypes)
	assert.Equal(t, "social_post", body.TaskTypes[0].Name)
	assert.Equal(t, "social media post", body.TaskTypes[0].Display)
	assert.Equal(t, "write a post about coffee", body.TaskTypes[0].Example)
	assert.Equal(t, []string{"topic"}, body.TaskTypes[0].Required)
}

func TestPostResultFailureResetsSession(t *testing.T) {
	s := newServer(t, 100)
	s.message(t, MessageRequest{Message: "stwórz post o kawie"})
	s.message(t, MessageRequest{Action: flow.ActionUseDefaults})
	s.message(t, MessageRequest{Action: flow.ActionConfirm})
	require.Len(t, s.dispatcher.sent(), 1)

	w := s.do(t, http.MethodPost, "/api/dispatches/"+s.dispatcher.sent()[0].ID+"/result",
		map[string]any{"success": false, "message": "generator crashed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp domain.FlowResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrExecutionFailed, resp.Error.Kind)
	assert.Equal(t, "generator crashed", resp.Error.Message)
	assert.Equal(t, domain.StageIdle, resp.SessionState.Stage)
}
