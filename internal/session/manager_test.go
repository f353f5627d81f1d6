package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/nlu"
	"github.com/ashureev/taskflow/internal/preference"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/ashureev/taskflow/internal/vocab"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener per open DB until Close.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		// Started in init by the opencensus stats package that genai pulls in.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []domain.DispatchRequest
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *recordingDispatcher) sent() []domain.DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.DispatchRequest(nil), d.reqs...)
}

type memTranscript struct {
	mu      sync.Mutex
	entries []string
}

func (t *memTranscript) Log(_, sessionID, message string, _ domain.FlowResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, sessionID+": "+message)
}

type fixture struct {
	mgr        *Manager
	repo       *store.SQLiteStore
	prefs      *preference.Store
	dispatcher *recordingDispatcher
	transcript *memTranscript
	tenant     domain.TenantContext
}

func newFixture(t *testing.T, u flow.Understander) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "taskflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cat := catalog.NewHolder(catalog.Builtin())
	voc := vocab.NewHolder(vocab.Builtin())
	if u == nil {
		u = nlu.NewService(cat, voc, nil, nlu.ServiceConfig{})
	}
	f := &fixture{
		repo:       repo,
		prefs:      preference.NewStore(preference.DefaultPolicy(), []string{"platform", "tone", "audience"}, repo, nil),
		dispatcher: &recordingDispatcher{},
		transcript: &memTranscript{},
		tenant:     domain.TenantContext{TenantID: "t1", Locale: "pl"},
	}
	f.mgr = NewManager(flow.NewController(u, cat, voc, nil), f.prefs, repo, f.dispatcher, f.transcript, Config{}, nil)
	return f
}

func (f *fixture) send(t *testing.T, sessionID, msg string) domain.FlowResponse {
	t.Helper()
	resp, err := f.mgr.Process(context.Background(), f.tenant, sessionID, msg)
	require.NoError(t, err)
	return resp
}

func (f *fixture) confirmSocialPost(t *testing.T, sessionID string) domain.FlowResponse {
	t.Helper()
	f.send(t, sessionID, "stwórz post o kawie")
	f.send(t, sessionID, "użyj domyślnych")
	return f.send(t, sessionID, "tak")
}

func TestProcessPersistsAndDispatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp := f.confirmSocialPost(t, "s1")
	require.Len(t, resp.TasksToCreate, 1)
	assert.Equal(t, domain.StageExecuting, resp.SessionState.Stage)

	sent := f.dispatcher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, resp.TasksToCreate[0].ID, sent[0].ID)
	assert.Equal(t, "s1", sent[0].SessionID)

	stored, err := f.repo.GetSession(ctx, "t1", "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StageExecuting, stored.Stage)
	assert.Equal(t, "kawa", stored.GatheredParams["topic"])

	records, err := f.repo.ListDispatches(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.DispatchPending, records[0].Status)

	rec, err := f.prefs.Get(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.TotalCompleted())
	tone, ok := rec.Preferred("tone")
	assert.True(t, ok)
	assert.Equal(t, "swobodny", tone)

	assert.Len(t, f.transcript.entries, 3)
}

func TestCommittedStateIsNotMutatedByLaterMessages(t *testing.T) {
	f := newFixture(t, nil)

	first := f.send(t, "s1", "stwórz post o kawie")
	f.send(t, "s1", "instagram, zabawny")

	assert.Equal(t, domain.StageGathering, first.SessionState.Stage)
	assert.NotContains(t, first.SessionState.GatheredParams, "platform")
}

func TestStateSurvivesRestart(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, "s1", "stwórz post o kawie")

	cat := catalog.NewHolder(catalog.Builtin())
	voc := vocab.NewHolder(vocab.Builtin())
	ctrl := flow.NewController(nlu.NewService(cat, voc, nil, nlu.ServiceConfig{}), cat, voc, nil)
	restarted := NewManager(ctrl, f.prefs, f.repo, f.dispatcher, nil, Config{}, nil)

	resp, err := restarted.Process(context.Background(), f.tenant, "s1", "instagram, zabawny")
	require.NoError(t, err)
	assert.Equal(t, "kawa", resp.SessionState.GatheredParams["topic"])
	assert.Equal(t, "instagram", resp.SessionState.GatheredParams["platform"])
}

func TestReportResult(t *testing.T) {
	t.Run("single dispatch completes the task", func(t *testing.T) {
		f := newFixture(t, nil)
		var pushed atomic.Int32
		f.mgr.OnResult(func(tenantID, sessionID string, resp domain.FlowResponse) {
			if tenantID == "t1" && sessionID == "s1" && resp.SessionState.Stage == domain.StageCompleted {
				pushed.Add(1)
			}
		})

		id := f.confirmSocialPost(t, "s1").TasksToCreate[0].ID
		resp, err := f.mgr.ReportResult(context.Background(), id, true, "")
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, domain.StageCompleted, resp.SessionState.Stage)
		assert.True(t, resp.ShowFeedback)
		assert.EqualValues(t, 1, pushed.Load())

		rec, err := f.repo.GetDispatch(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchSucceeded, rec.Status)

		_, err = f.mgr.ReportResult(context.Background(), id, true, "")
		assert.ErrorIs(t, err, ErrNotExecuting)
	})

	t.Run("waits for every capability", func(t *testing.T) {
		f := newFixture(t, nil)
		f.send(t, "s1", "przygotuj kampanię promocyjną o nowej kawie")
		f.send(t, "s1", "użyj domyślnych")
		reqs := f.send(t, "s1", "tak").TasksToCreate
		require.Len(t, reqs, 2)

		resp, err := f.mgr.ReportResult(context.Background(), reqs[0].ID, true, "")
		require.NoError(t, err)
		assert.Nil(t, resp)

		state, err := f.mgr.State(context.Background(), "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.StageExecuting, state.Stage)

		resp, err = f.mgr.ReportResult(context.Background(), reqs[1].ID, true, "")
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, domain.StageCompleted, resp.SessionState.Stage)
	})

	t.Run("failure resets to idle", func(t *testing.T) {
		f := newFixture(t, nil)
		id := f.confirmSocialPost(t, "s1").TasksToCreate[0].ID

		resp, err := f.mgr.ReportResult(context.Background(), id, false, "worker crashed")
		require.NoError(t, err)
		require.NotNil(t, resp)
		require.NotNil(t, resp.Error)
		assert.Equal(t, domain.ErrExecutionFailed, resp.Error.Kind)
		assert.Equal(t, domain.StageIdle, resp.SessionState.Stage)
		assert.Empty(t, resp.SessionState.GatheredParams)

		next := f.send(t, "s1", "stwórz post o herbacie")
		assert.Equal(t, "herbata", next.SessionState.GatheredParams["topic"])
	})

	t.Run("unknown dispatch", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.mgr.ReportResult(context.Background(), "nope", true, "")
		assert.ErrorIs(t, err, ErrUnknownDispatch)
	})
}

func TestDispatchFailureResetsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.err = errors.New("connection refused")

	resp := f.confirmSocialPost(t, "s1")
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrExecutionFailed, resp.Error.Kind)
	assert.Equal(t, domain.StageIdle, resp.SessionState.Stage)

	records, err := f.repo.ListDispatches(context.Background(), "t1", "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.DispatchFailed, records[0].Status)
}

func TestDontAskAgainIsPersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, "s1", "stwórz post o kawie")
	f.send(t, "s1", "nie pytaj więcej")

	snap, err := f.repo.LoadPreferences(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.SkipRecommendations)

	resp := f.send(t, "s2", "stwórz post o herbacie")
	assert.Equal(t, domain.StageConfirming, resp.SessionState.Stage)
}

// blockingUnderstander stalls its first Classify call until the call is cancelled.
type blockingUnderstander struct {
	flow.Understander
	calls   atomic.Int32
	entered chan struct{}
}

func (b *blockingUnderstander) Classify(ctx context.Context, in nlu.ClassifyInput) (nlu.Classification, nlu.Outcome) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-ctx.Done()
		return nlu.Classification{TaskType: nlu.Unknown}, nlu.Outcome{}
	}
	return b.Understander.Classify(ctx, in)
}

func TestSupersededMessageIsDiscarded(t *testing.T) {
	cat := catalog.NewHolder(catalog.Builtin())
	voc := vocab.NewHolder(vocab.Builtin())
	b := &blockingUnderstander{
		Understander: nlu.NewService(cat, voc, nil, nlu.ServiceConfig{}),
		entered:      make(chan struct{}),
	}
	f := newFixture(t, b)

	type result struct {
		resp domain.FlowResponse
		err  error
	}
	first := make(chan result, 1)
	go func() {
		resp, err := f.mgr.Process(context.Background(), f.tenant, "s1", "stwórz post o kawie")
		first <- result{resp, err}
	}()
	<-b.entered

	second := f.send(t, "s1", "stwórz post o herbacie")
	r := <-first
	assert.ErrorIs(t, r.err, domain.ErrSuperseded)
	assert.Equal(t, "herbata", second.SessionState.GatheredParams["topic"])

	state, err := f.mgr.State(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Same(t, second.SessionState, state)
}

func TestConcurrentSessions(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i)
			for _, msg := range []string{"stwórz post o kawie", "użyj domyślnych", "tak"} {
				if _, err := f.mgr.Process(context.Background(), f.tenant, sid, msg); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Len(t, f.dispatcher.sent(), 20)
	rec, err := f.prefs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 20, rec.TotalCompleted())
	assert.Equal(t, 20, f.mgr.Len())
}

func TestConcurrentMessagesToOneSessionAreSerialised(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, "s1", "stwórz post o kawie")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Process(context.Background(), f.tenant, "s1", "instagram")
			switch {
			case err == nil:
				ok.Add(1)
			case !errors.Is(err, domain.ErrSuperseded):
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, ok.Load(), int32(1))
	state, err := f.mgr.State(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "instagram", state.GatheredParams["platform"])
	assert.Equal(t, "kawa", state.GatheredParams["topic"])
}

func TestReset(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, "s1", "stwórz post o kawie")

	state, err := f.mgr.Reset(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageIdle, state.Stage)
	assert.Empty(t, state.GatheredParams)

	stored, err := f.repo.GetSession(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageIdle, stored.Stage)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.cfg.TTL = time.Millisecond
	f.send(t, "s1", "stwórz post o kawie")
	f.send(t, "s2", "stwórz post o herbacie")
	require.Equal(t, 2, f.mgr.Len())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, f.mgr.Sweep(context.Background()))
	assert.Zero(t, f.mgr.Len())
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.cfg.SweepInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.RunSweeper(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSubmitKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.mgr.Submit(ctx, f.tenant, "s1", "stwórz post o kawie")
	second := f.mgr.Submit(ctx, f.tenant, "s1", "wystaw fakturę dla ACME")

	resp, err := second()
	require.NoError(t, err)
	assert.Equal(t, "invoice", resp.Intent)

	_, err = first()
	assert.ErrorIs(t, err, domain.ErrSuperseded)

	state, err := f.mgr.State(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "invoice", state.TaskType)
}
