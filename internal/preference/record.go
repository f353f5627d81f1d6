// Package preference learns per-tenant defaults from completed tasks.
//
// A Record is shared by every session of a tenant. Counters are lock-free: each value
// has its own atomic counter, and the preferred value of a category is derived from the
// counters when read, so increments from concurrent sessions commute and no cached
// argmax can go stale.
package preference

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
)

// Policy decides when recommended questions are skipped without an explicit setting.
type Policy struct {
	// MinTasks is the number of completed tasks before the policy applies.
	MinTasks int64
	// Dominance is the share of choices the top value must hold in every category.
	Dominance float64
}

// DefaultPolicy skips after five tasks with an 80% dominant choice per category.
func DefaultPolicy() Policy {
	return Policy{MinTasks: 5, Dominance: 0.8}
}

// DefaultTracked lists the categories learned from completed tasks.
func DefaultTracked() []string {
	return []string{"platform", "tone", "audience"}
}

type counter struct {
	count atomic.Int64
	seq   int64
}

type category struct {
	values sync.Map // value -> *counter
	total  atomic.Int64
}

// Record is one tenant's learned preferences and explicit settings.
type Record struct {
	tenantID   string
	policy     Policy
	categories sync.Map // name -> *category
	seq        atomic.Int64

	skipRecommendations atomic.Bool
	autoApprove         atomic.Bool
	totalCompleted      atomic.Int64
	updatedAt           atomic.Int64
}

// NewRecord returns an empty record.
func NewRecord(tenantID string, policy Policy) *Record {
	r := &Record{tenantID: tenantID, policy: policy}
	r.touch()
	return r
}

// TenantID returns the owning tenant.
func (r *Record) TenantID() string { return r.tenantID }

// RecordChoice counts one use of value in category. Empty values are ignored.
func (r *Record) RecordChoice(cat, value string) {
	r.addCount(cat, value, 1)
	r.touch()
}

func (r *Record) addCount(cat, value string, n int64) {
	if cat == "" || value == "" || n <= 0 {
		return
	}
	c := r.category(cat)
	v, ok := c.values.Load(value)
	if !ok {
		v, _ = c.values.LoadOrStore(value, &counter{seq: r.seq.Add(1)})
	}
	v.(*counter).count.Add(n)
	c.total.Add(n)
}

func (r *Record) category(name string) *category {
	if c, ok := r.categories.Load(name); ok {
		return c.(*category)
	}
	c, _ := r.categories.LoadOrStore(name, &category{})
	return c.(*category)
}

// RecordTaskCompletion counts every tracked category present in params and bumps the
// completed-task counter. It returns the choices it recorded.
func (r *Record) RecordTaskCompletion(params map[string]any, tracked []string) map[string]string {
	recorded := map[string]string{}
	for _, cat := range tracked {
		v, ok := params[cat]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		r.addCount(cat, s, 1)
		recorded[cat] = s
	}
	r.totalCompleted.Add(1)
	r.touch()
	return recorded
}

// Preferred returns the argmax of the category history. Ties go to the value seen first.
func (r *Record) Preferred(cat string) (string, bool) {
	c, ok := r.categories.Load(cat)
	if !ok {
		return "", false
	}
	best, _, _ := c.(*category).top()
	return best, best != ""
}

func (c *category) top() (string, int64, int64) {
	var (
		best      string
		bestCount int64
		bestSeq   int64
		total     int64
	)
	c.values.Range(func(k, v any) bool {
		ctr := v.(*counter)
		n := ctr.count.Load()
		total += n
		if n == 0 {
			return true
		}
		if n > bestCount || (n == bestCount && ctr.seq < bestSeq) {
			best, bestCount, bestSeq = k.(string), n, ctr.seq
		}
		return true
	})
	return best, bestCount, total
}

// SmartDefaults returns the preferred value of every category with history.
func (r *Record) SmartDefaults() map[string]string {
	out := map[string]string{}
	r.categories.Range(func(k, _ any) bool {
		if v, ok := r.Preferred(k.(string)); ok {
			out[k.(string)] = v
		}
		return true
	})
	return out
}

// ShouldSkipRecommendations is true when the tenant asked for it, or when the tenant
// has completed enough tasks and the top value of every listed category dominates.
func (r *Record) ShouldSkipRecommendations(categories ...string) bool {
	if r.skipRecommendations.Load() {
		return true
	}
	if len(categories) == 0 || r.totalCompleted.Load() < r.policy.MinTasks {
		return false
	}
	for _, name := range categories {
		c, ok := r.categories.Load(name)
		if !ok {
			return false
		}
		_, top, total := c.(*category).top()
		if total == 0 || float64(top)/float64(total) < r.policy.Dominance {
			return false
		}
	}
	return true
}

// AutoApprove reports the explicit auto-approve setting.
func (r *Record) AutoApprove() bool { return r.autoApprove.Load() }

// SkipRecommendations reports the explicit skip setting.
func (r *Record) SkipRecommendations() bool { return r.skipRecommendations.Load() }

// SetSkipRecommendations sets the explicit skip flag.
func (r *Record) SetSkipRecommendations(v bool) {
	r.skipRecommendations.Store(v)
	r.touch()
}

// SetAutoApprove sets the explicit auto-approve flag.
func (r *Record) SetAutoApprove(v bool) {
	r.autoApprove.Store(v)
	r.touch()
}

// TotalCompleted returns the number of confirmed tasks.
func (r *Record) TotalCompleted() int64 { return r.totalCompleted.Load() }

// Snapshot returns a consistent-enough copy for display and persistence. Concurrent
// increments may or may not be included.
func (r *Record) Snapshot() domain.PreferenceSnapshot {
	snap := domain.PreferenceSnapshot{
		TenantID:            r.tenantID,
		Histories:           map[string][]domain.ValueCount{},
		Preferred:           map[string]string{},
		SkipRecommendations: r.skipRecommendations.Load(),
		AutoApprove:         r.autoApprove.Load(),
		TotalCompletedTasks: r.totalCompleted.Load(),
		UpdatedAt:           time.Unix(0, r.updatedAt.Load()).UTC(),
	}
	r.categories.Range(func(k, v any) bool {
		name := k.(string)
		var hist []domain.ValueCount
		v.(*category).values.Range(func(val, ctr any) bool {
			c := ctr.(*counter)
			hist = append(hist, domain.ValueCount{Value: val.(string), Count: c.count.Load(), FirstSeen: c.seq})
			return true
		})
		sort.Slice(hist, func(i, j int) bool { return hist[i].FirstSeen < hist[j].FirstSeen })
		snap.Histories[name] = hist
		if p, ok := r.Preferred(name); ok {
			snap.Preferred[name] = p
		}
		return true
	})
	return snap
}

// restore seeds the record from persisted state. Histories must be ordered first-seen first.
func (r *Record) restore(s *domain.PreferenceSnapshot) {
	for name, hist := range s.Histories {
		for _, vc := range hist {
			r.addCount(name, vc.Value, vc.Count)
		}
	}
	r.skipRecommendations.Store(s.SkipRecommendations)
	r.autoApprove.Store(s.AutoApprove)
	r.totalCompleted.Store(s.TotalCompletedTasks)
	if !s.UpdatedAt.IsZero() {
		r.updatedAt.Store(s.UpdatedAt.UnixNano())
	}
}

func (r *Record) touch() {
	r.updatedAt.Store(time.Now().UnixNano())
}
