// Package session runs the flow controller for many concurrent sessions.
//
// Each session has at most one call in flight. A newer message for the same session
// cancels the call it supersedes, and the superseded result is discarded. The controller
// always works on a clone of the committed state; a committed state is never mutated
// again, so it can be shared with callers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/taskflow/internal/dispatch"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/preference"
)

var (
	// ErrUnknownDispatch is returned by ReportResult for ids that were never dispatched.
	ErrUnknownDispatch = errors.New("unknown dispatch")
	// ErrNotExecuting is returned by ReportResult when the session no longer waits for
	// the dispatch.
	ErrNotExecuting = errors.New("session is not executing this dispatch")
)

// Repository is the persistence the manager needs.
type Repository interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (*domain.SessionState, error)
	SaveSession(ctx context.Context, state *domain.SessionState) error
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
	CreateDispatch(ctx context.Context, req domain.DispatchRequest) (bool, error)
	GetDispatch(ctx context.Context, id string) (*domain.DispatchRecord, error)
	UpdateDispatchStatus(ctx context.Context, id string, status domain.DispatchStatus, errMsg string) error
	ListDispatches(ctx context.Context, tenantID, sessionID string) ([]*domain.DispatchRecord, error)
}

// Transcript receives every processed exchange.
type Transcript interface {
	Log(tenantID, sessionID, message string, resp domain.FlowResponse)
}

// Notifier receives responses produced outside a user request, such as execution results.
type Notifier func(tenantID, sessionID string, resp domain.FlowResponse)

// Config holds manager settings.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Manager owns the in-memory sessions.
type Manager struct {
	ctrl       *flow.Controller
	prefs      *preference.Store
	repo       Repository
	dispatcher dispatch.Dispatcher
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry

	notify     atomic.Pointer[Notifier]
	transcript Transcript
}

type entry struct {
	tenantID  string
	sessionID string

	// mu serialises processing and guards state and locale.
	mu     sync.Mutex
	state  *domain.SessionState
	locale string

	gen      atomic.Uint64
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	refs     int // guarded by Manager.mu
	lastSeen atomic.Int64
}

// NewManager creates a session manager. transcript may be nil.
func NewManager(ctrl *flow.Controller, prefs *preference.Store, repo Repository, d dispatch.Dispatcher, transcript Transcript, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		ctrl:       ctrl,
		prefs:      prefs,
		repo:       repo,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[string]*entry),
		transcript: transcript,
	}
}

// OnResult registers the function that receives execution results.
func (m *Manager) OnResult(fn Notifier) {
	m.notify.Store(&fn)
}

func key(tenantID, sessionID string) string {
	return tenantID + "\x00" + sessionID
}

func (m *Manager) acquire(tenantID, sessionID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, sessionID)
	e, ok := m.sessions[k]
	if !ok {
		e = &entry{tenantID: tenantID, sessionID: sessionID}
		m.sessions[k] = e
	}
	e.refs++
	e.lastSeen.Store(time.Now().UnixNano())
	return e
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	e.refs--
	m.mu.Unlock()
}

// supersede cancels the call in flight for the entry and returns a context for the new one.
func (e *entry) supersede(parent context.Context) (context.Context, context.CancelFunc, uint64) {
	gen := e.gen.Add(1)
	ctx, cancel := context.WithCancel(parent)
	e.cancelMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = cancel
	e.cancelMu.Unlock()
	return ctx, cancel, gen
}

func (e *entry) current(gen uint64) bool {
	return e.gen.Load() == gen
}

// load returns the committed state, reading it from the repository on first use.
// The caller holds e.mu.
func (m *Manager) load(ctx context.Context, e *entry) (*domain.SessionState, error) {
	if e.state != nil {
		return e.state, nil
	}
	st, err := m.repo.GetSession(ctx, e.tenantID, e.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", e.sessionID, err)
	}
	if st == nil {
		st = domain.NewSessionState(e.tenantID, e.sessionID)
	}
	e.state = st
	return st, nil
}

// commit persists next and makes it the session's state. The caller holds e.mu.
func (m *Manager) commit(ctx context.Context, e *entry, next *domain.SessionState) error {
	if err := m.repo.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("save session %s: %w", e.sessionID, err)
	}
	e.state = next
	return nil
}

// Process handles one message for a session. It returns domain.ErrSuperseded when a newer
// message for the same session arrived before this one finished.
func (m *Manager) Process(ctx context.Context, tenant domain.TenantContext, sessionID, message string) (domain.FlowResponse, error) {
	return m.Submit(ctx, tenant, sessionID, message)()
}

// Submit supersedes any call in flight for the session right away and returns a function
// that processes the message. Callers that run messages on separate goroutines use it to
// keep arrival order. The returned function must be called exactly once.
func (m *Manager) Submit(ctx context.Context, tenant domain.TenantContext, sessionID, message string) func() (domain.FlowResponse, error) {
	e := m.acquire(tenant.TenantID, sessionID)
	callCtx, cancel, gen := e.supersede(ctx)
	return func() (domain.FlowResponse, error) {
		defer m.release(e)
		defer cancel()
		return m.process(ctx, callCtx, gen, e, tenant, message)
	}
}

func (m *Manager) process(ctx, callCtx context.Context, gen uint64, e *entry, tenant domain.TenantContext, message string) (domain.FlowResponse, error) {
	sessionID := e.sessionID
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.current(gen) {
		return domain.FlowResponse{}, domain.ErrSuperseded
	}

	state, err := m.load(callCtx, e)
	if err != nil {
		return domain.FlowResponse{}, err
	}
	rec, err := m.prefs.Get(callCtx, tenant.TenantID)
	if err != nil {
		return domain.FlowResponse{}, err
	}

	next := state.Clone()
	res, err := m.ctrl.Process(callCtx, message, next, rec, tenant)
	if !e.current(gen) {
		m.logger.Debug("Discarding superseded result", "tenant_id", tenant.TenantID, "session_id", sessionID)
		return domain.FlowResponse{}, domain.ErrSuperseded
	}
	if err != nil {
		return domain.FlowResponse{}, fmt.Errorf("process message: %w", err)
	}

	// Past this point the result is kept even if a newer message arrives.
	ctx = context.WithoutCancel(ctx)
	if err := m.commit(ctx, e, next); err != nil {
		return domain.FlowResponse{}, err
	}
	e.locale = tenant.LocaleOrDefault()

	m.applyEffects(ctx, rec, res.Effects)

	resp := res.Response
	if len(resp.TasksToCreate) > 0 {
		if failed := m.deliver(ctx, e, resp.TasksToCreate); failed != nil {
			resp = *failed
		}
	}

	if m.transcript != nil {
		m.transcript.Log(tenant.TenantID, sessionID, message, resp)
	}
	return resp, nil
}

func (m *Manager) applyEffects(ctx context.Context, rec *preference.Record, fx flow.Effects) {
	if fx.SkipRecommendations {
		skip := true
		if err := m.prefs.Apply(ctx, rec, preference.Settings{SkipRecommendations: &skip}); err != nil {
			m.logger.Warn("Failed to save preference settings", "tenant_id", rec.TenantID(), "error", err)
		}
	}
	if fx.Completed != nil {
		if err := m.prefs.RecordCompletion(ctx, rec, fx.Completed); err != nil {
			m.logger.Warn("Failed to record task completion", "tenant_id", rec.TenantID(), "error", err)
		}
	}
}

// deliver records and hands off the dispatch requests of a just-confirmed task. When a
// hand-off fails the task is finished as failed and the failure response is returned.
// The caller holds e.mu.
func (m *Manager) deliver(ctx context.Context, e *entry, reqs []domain.DispatchRequest) *domain.FlowResponse {
	for _, req := range reqs {
		created, err := m.repo.CreateDispatch(ctx, req)
		if err != nil {
			return m.failDelivery(ctx, e, req, err)
		}
		if !created {
			m.logger.Info("Dispatch already recorded", "dispatch_id", req.ID, "idempotency_key", req.IdempotencyKey)
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, req); err != nil {
			return m.failDelivery(ctx, e, req, err)
		}
		m.logger.Info("Dispatched task",
			"tenant_id", req.TenantID,
			"session_id", req.SessionID,
			"dispatch_id", req.ID,
			"capability", req.Capability,
		)
	}
	return nil
}

func (m *Manager) failDelivery(ctx context.Context, e *entry, req domain.DispatchRequest, cause error) *domain.FlowResponse {
	m.logger.Error("Dispatch failed",
		"tenant_id", req.TenantID,
		"session_id", req.SessionID,
		"dispatch_id", req.ID,
		"error", cause,
	)
	if err := m.repo.UpdateDispatchStatus(ctx, req.ID, domain.DispatchFailed, cause.Error()); err != nil {
		m.logger.Warn("Failed to mark dispatch failed", "dispatch_id", req.ID, "error", err)
	}
	resp, err := m.finish(ctx, e, false, cause.Error())
	if err != nil {
		m.logger.Error("Failed to reset session after dispatch failure", "session_id", e.sessionID, "error", err)
		return nil
	}
	return &resp
}

// finish applies an execution outcome to the committed state. The caller holds e.mu.
func (m *Manager) finish(ctx context.Context, e *entry, success bool, detail string) (domain.FlowResponse, error) {
	state, err := m.load(ctx, e)
	if err != nil {
		return domain.FlowResponse{}, err
	}
	next := state.Clone()
	resp, err := m.ctrl.Finish(next, success, detail, e.locale)
	if err != nil {
		return domain.FlowResponse{}, err
	}
	if err := m.commit(ctx, e, next); err != nil {
		return domain.FlowResponse{}, err
	}
	return resp, nil
}

// ReportResult records a worker's outcome for a dispatch. It returns nil when the task
// still waits for other dispatches. The resulting response is also sent to the notifier.
func (m *Manager) ReportResult(ctx context.Context, dispatchID string, success bool, detail string) (*domain.FlowResponse, error) {
	rec, err := m.repo.GetDispatch(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispatch, dispatchID)
	}
	status := domain.DispatchSucceeded
	if !success {
		status = domain.DispatchFailed
	}
	if err := m.repo.UpdateDispatchStatus(ctx, dispatchID, status, detail); err != nil {
		return nil, fmt.Errorf("update dispatch %s: %w", dispatchID, err)
	}

	tenantID, sessionID := rec.Request.TenantID, rec.Request.SessionID
	e := m.acquire(tenantID, sessionID)
	defer m.release(e)
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := m.load(ctx, e)
	if err != nil {
		return nil, err
	}
	if state.Stage != domain.StageExecuting || !slices.Contains(state.DispatchIDs, dispatchID) {
		return nil, fmt.Errorf("%w: %s", ErrNotExecuting, dispatchID)
	}

	if success {
		done, err := m.allSucceeded(ctx, state)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, nil
		}
	}

	resp, err := m.finish(ctx, e, success, detail)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Task finished",
		"tenant_id", tenantID,
		"session_id", sessionID,
		"task_type", state.TaskType,
		"success", success,
	)
	if m.transcript != nil {
		m.transcript.Log(tenantID, sessionID, "", resp)
	}
	if fn := m.notify.Load(); fn != nil {
		(*fn)(tenantID, sessionID, resp)
	}
	return &resp, nil
}

func (m *Manager) allSucceeded(ctx context.Context, state *domain.SessionState) (bool, error) {
	records, err := m.repo.ListDispatches(ctx, state.TenantID, state.SessionID)
	if err != nil {
		return false, fmt.Errorf("list dispatches: %w", err)
	}
	status := make(map[string]domain.DispatchStatus, len(records))
	for _, r := range records {
		status[r.Request.ID] = r.Status
	}
	for _, id := range state.DispatchIDs {
		if status[id] != domain.DispatchSucceeded {
			return false, nil
		}
	}
	return true, nil
}

// State returns the committed state of a session. The returned value must not be modified.
func (m *Manager) State(ctx context.Context, tenantID, sessionID string) (*domain.SessionState, error) {
	e := m.acquire(tenantID, sessionID)
	defer m.release(e)
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.load(ctx, e)
}

// Reset abandons whatever the session was doing, including a call in flight.
func (m *Manager) Reset(ctx context.Context, tenantID, sessionID string) (*domain.SessionState, error) {
	e := m.acquire(tenantID, sessionID)
	defer m.release(e)

	_, cancel, _ := e.supersede(ctx)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := m.load(ctx, e)
	if err != nil {
		return nil, err
	}
	next := state.Clone()
	next.Reset()
	if err := m.commit(ctx, e, next); err != nil {
		return nil, err
	}
	m.logger.Info("Session reset", "tenant_id", tenantID, "session_id", sessionID)
	return next, nil
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
