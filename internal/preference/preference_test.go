package preference

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/taskflow/internal/domain"
)

func TestPreferredArgmaxWithTie(t *testing.T) {
	t.Parallel()

	r := NewRecord("t1", DefaultPolicy())
	r.RecordChoice("tone", "zabawny")
	r.RecordChoice("tone", "profesjonalny")

	got, ok := r.Preferred("tone")
	require.True(t, ok)
	assert.Equal(t, "zabawny", got, "tie goes to the value seen first")

	r.RecordChoice("tone", "profesjonalny")
	got, _ = r.Preferred("tone")
	assert.Equal(t, "profesjonalny", got)

	_, ok = r.Preferred("platform")
	assert.False(t, ok)
}

func TestConcurrentCompletionsDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	r := NewRecord("t1", DefaultPolicy())
	tracked := []string{"tone", "platform"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tone := "zabawny"
			if i%5 == 0 {
				tone = "formalny"
			}
			r.RecordTaskCompletion(map[string]any{"tone": tone, "platform": "instagram", "topic": "kawa"}, tracked)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 50, r.TotalCompleted())
	snap := r.Snapshot()
	counts := map[string]int64{}
	for _, vc := range snap.Histories["tone"] {
		counts[vc.Value] = vc.Count
	}
	assert.Equal(t, map[string]int64{"zabawny": 40, "formalny": 10}, counts)
	assert.Equal(t, map[string]string{"tone": "zabawny", "platform": "instagram"}, snap.Preferred)
	assert.NotContains(t, snap.Histories, "topic")
}

func TestShouldSkipRecommendations(t *testing.T) {
	t.Parallel()

	tracked := []string{"tone", "platform"}

	t.Run("explicit flag", func(t *testing.T) {
		r := NewRecord("t", DefaultPolicy())
		r.SetSkipRecommendations(true)
		assert.True(t, r.ShouldSkipRecommendations("tone"))
	})

	t.Run("too few tasks", func(t *testing.T) {
		r := NewRecord("t", DefaultPolicy())
		for i := 0; i < 4; i++ {
			r.RecordTaskCompletion(map[string]any{"tone": "zabawny", "platform": "instagram"}, tracked)
		}
		assert.False(t, r.ShouldSkipRecommendations("tone", "platform"))
	})

	t.Run("dominant history", func(t *testing.T) {
		r := NewRecord("t", DefaultPolicy())
		for i := 0; i < 5; i++ {
			r.RecordTaskCompletion(map[string]any{"tone": "zabawny", "platform": "instagram"}, tracked)
		}
		assert.True(t, r.ShouldSkipRecommendations("tone", "platform"))
		assert.False(t, r.ShouldSkipRecommendations("tone", "audience"), "a category without history blocks skipping")
		assert.False(t, r.ShouldSkipRecommendations())
	})

	t.Run("mixed history", func(t *testing.T) {
		r := NewRecord("t", DefaultPolicy())
		for _, tone := range []string{"zabawny", "zabawny", "zabawny", "formalny", "formalny"} {
			r.RecordTaskCompletion(map[string]any{"tone": tone}, tracked)
		}
		assert.False(t, r.ShouldSkipRecommendations("tone"))
	})
}

func TestSmartDefaults(t *testing.T) {
	t.Parallel()

	r := NewRecord("t", DefaultPolicy())
	r.RecordTaskCompletion(map[string]any{"tone": "zabawny", "due_days": 30}, []string{"tone", "due_days"})
	assert.Equal(t, map[string]string{"tone": "zabawny", "due_days": "30"}, r.SmartDefaults())
}

type memRepo struct {
	mu       sync.Mutex
	loads    int
	snap     *domain.PreferenceSnapshot
	choices  []map[string]string
	settings [2]bool
	fail     error
}

func (m *memRepo) LoadPreferences(context.Context, string) (*domain.PreferenceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.snap, m.fail
}

func (m *memRepo) IncrementPreferences(_ context.Context, _ string, choices map[string]string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.choices = append(m.choices, choices)
	return nil
}

func (m *memRepo) SavePreferenceSettings(_ context.Context, _ string, skip, auto bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = [2]bool{skip, auto}
	return nil
}

func TestStoreLoadsOnceAndPersists(t *testing.T) {
	t.Parallel()

	repo := &memRepo{snap: &domain.PreferenceSnapshot{
		TenantID: "t1",
		Histories: map[string][]domain.ValueCount{
			"tone": {{Value: "zabawny", Count: 2}, {Value: "formalny", Count: 2}},
		},
		AutoApprove:         true,
		TotalCompletedTasks: 4,
	}}
	s := NewStore(DefaultPolicy(), []string{"tone"}, repo, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	recs := make([]*Record, 8)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.Get(ctx, "t1")
			assert.NoError(t, err)
			recs[i] = r
		}(i)
	}
	wg.Wait()
	for _, r := range recs {
		assert.Same(t, recs[0], r)
	}
	assert.Equal(t, 1, repo.loads)

	rec := recs[0]
	assert.True(t, rec.AutoApprove())
	got, _ := rec.Preferred("tone")
	assert.Equal(t, "zabawny", got, "persisted order breaks the tie")

	require.NoError(t, s.RecordCompletion(ctx, rec, map[string]any{"tone": "formalny"}))
	assert.Equal(t, []map[string]string{{"tone": "formalny"}}, repo.choices)
	got, _ = rec.Preferred("tone")
	assert.Equal(t, "formalny", got)

	skip := true
	require.NoError(t, s.Apply(ctx, rec, Settings{SkipRecommendations: &skip}))
	assert.Equal(t, [2]bool{true, true}, repo.settings)
}

func TestStoreLoadErrorIsNotCached(t *testing.T) {
	t.Parallel()

	repo := &memRepo{fail: errors.New("disk gone")}
	s := NewStore(DefaultPolicy(), nil, repo, nil)

	_, err := s.Get(context.Background(), "t1")
	require.Error(t, err)

	repo.mu.Lock()
	repo.fail = nil
	repo.mu.Unlock()
	r, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", r.TenantID())
	assert.Equal(t, 2, repo.loads)
}
