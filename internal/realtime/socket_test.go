package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
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

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

type harness struct {
	url        string
	mgr        *session.Manager
	registry   *Registry
	dispatcher *recordingDispatcher
}

func newHarness(t *testing.T, limiter Limiter) *harness {
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

	registry := NewRegistry(nil)
	mgr.OnResult(registry.Notify)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true, "pl"))
	r.Handle("/ws/flow", NewHandler(mgr, cat, registry, Options{Limiter: limiter, IsDev: true}, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &harness{
		url:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/flow",
		mgr:        mgr,
		registry:   registry,
		dispatcher: d,
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T, sessionID string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set(identity.TenantHeaderName, "t1")
	header.Set(identity.SessionHeaderName, sessionID)
	conn, _, err := websocket.Dial(ctx, h.url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	c := &client{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, FrameSession, hello.Type)
	return c
}

func (c *client) send(f Frame) {
	c.t.Helper()
	data, err := json.Marshal(f)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *client) read() Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var f Frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

func (c *client) respond(f Frame) *domain.FlowResponse {
	c.t.Helper()
	c.send(f)
	got := c.read()
	require.Equal(c.t, FrameResponse, got.Type, got.Error)
	require.NotNil(c.t, got.Response)
	return got.Response
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "s1")

	c.send(Frame{Type: FramePing})
	assert.Equal(t, FramePong, c.read().Type)
}

func TestConversationAndPushedResult(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "s1")

	resp := c.respond(Frame{Type: FrameMessage, Content: "stwórz post o kawie"})
	assert.Equal(t, domain.StageGathering, resp.SessionState.Stage)

	resp = c.respond(Frame{Type: FrameAction, Action: flow.ActionUseDefaults})
	assert.Equal(t, domain.StageConfirming, resp.SessionState.Stage)

	resp = c.respond(Frame{Type: FrameAction, Action: flow.ActionConfirm})
	assert.Equal(t, domain.StageExecuting, resp.SessionState.Stage)
	require.Len(t, h.dispatcher.sent(), 1)

	final, err := h.mgr.ReportResult(context.Background(), h.dispatcher.sent()[0].ID, true, "")
	require.NoError(t, err)
	require.NotNil(t, final)

	pushed := c.read()
	assert.Equal(t, FrameResult, pushed.Type)
	require.NotNil(t, pushed.Response)
	assert.Equal(t, domain.StageCompleted, pushed.Response.SessionState.Stage)
}

func TestResetFrame(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "s1")
	c.respond(Frame{Type: FrameMessage, Content: "stwórz post o kawie"})

	c.send(Frame{Type: FrameReset})
	got := c.read()
	require.Equal(t, FrameSession, got.Type)
	assert.Equal(t, domain.StageIdle, got.Session.Stage)
}

func TestInvalidFrames(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "s1")

	for _, f := range []Frame{
		{Type: "launch"},
		{Type: FrameMessage, Content: "  "},
		{Type: FrameAction, Action: "nope"},
	} {
		c.send(f)
		got := c.read()
		assert.Equal(t, FrameError, got.Type, f.Type)
		assert.NotEmpty(t, got.Error)
	}
}

func TestRateLimitedFrame(t *testing.T) {
	h := newHarness(t, denyAll{})
	c := h.dial(t, "s1")

	resp := c.respond(Frame{Type: FrameMessage, Content: "stwórz post o kawie"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrRateLimited, resp.Error.Kind)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "s1")
	require.NotNil(t, h.registry.Get("t1", "s1"))

	require.NoError(t, c.conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return h.registry.Get("t1", "s1") == nil }, 2*time.Second, 10*time.Millisecond)
}
