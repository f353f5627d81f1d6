package preference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/taskflow/internal/domain"
)

// Repository persists preference counters. Counts are written as increments so that
// several processes sharing a database never lose updates.
type Repository interface {
	LoadPreferences(ctx context.Context, tenantID string) (*domain.PreferenceSnapshot, error)
	IncrementPreferences(ctx context.Context, tenantID string, choices map[string]string, completed bool) error
	SavePreferenceSettings(ctx context.Context, tenantID string, skipRecommendations, autoApprove bool) error
}

// Store hands out the shared Record of each tenant.
type Store struct {
	records sync.Map // tenantID -> *Record
	loadMu  sync.Mutex
	policy  Policy
	tracked []string
	repo    Repository
	logger  *slog.Logger
}

// NewStore creates a store. repo may be nil for an in-memory store.
func NewStore(policy Policy, tracked []string, repo Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{policy: policy, tracked: tracked, repo: repo, logger: logger}
}

// Tracked returns the parameter categories learned from completed tasks.
func (s *Store) Tracked() []string { return s.tracked }

// Get returns the tenant's record, loading persisted state on first use.
func (s *Store) Get(ctx context.Context, tenantID string) (*Record, error) {
	if r, ok := s.records.Load(tenantID); ok {
		return r.(*Record), nil
	}

	// Serialize first loads so a tenant is read from the repository once.
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if r, ok := s.records.Load(tenantID); ok {
		return r.(*Record), nil
	}

	rec := NewRecord(tenantID, s.policy)
	if s.repo != nil {
		snap, err := s.repo.LoadPreferences(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("load preferences for %s: %w", tenantID, err)
		}
		if snap != nil {
			rec.restore(snap)
		}
	}
	s.records.Store(tenantID, rec)
	return rec, nil
}

// RecordCompletion counts a confirmed task for the tenant and persists the increments.
func (s *Store) RecordCompletion(ctx context.Context, rec *Record, params map[string]any) error {
	choices := rec.RecordTaskCompletion(params, s.tracked)
	s.logger.Debug("Recorded task completion", "tenant_id", rec.TenantID(), "choices", choices)
	if s.repo == nil {
		return nil
	}
	if err := s.repo.IncrementPreferences(ctx, rec.TenantID(), choices, true); err != nil {
		return fmt.Errorf("persist preference counts: %w", err)
	}
	return nil
}

// Settings is a partial update of the explicit flags.
type Settings struct {
	SkipRecommendations *bool `json:"skip_recommendations,omitempty"`
	AutoApprove         *bool `json:"auto_approve,omitempty"`
}

// Apply updates the explicit flags and persists them.
func (s *Store) Apply(ctx context.Context, rec *Record, set Settings) error {
	if set.SkipRecommendations != nil {
		rec.SetSkipRecommendations(*set.SkipRecommendations)
	}
	if set.AutoApprove != nil {
		rec.SetAutoApprove(*set.AutoApprove)
	}
	if s.repo == nil {
		return nil
	}
	if err := s.repo.SavePreferenceSettings(ctx, rec.TenantID(), rec.SkipRecommendations(), rec.AutoApprove()); err != nil {
		return fmt.Errorf("persist preference settings: %w", err)
	}
	return nil
}

// Forget drops the cached record so the next Get reloads it.
func (s *Store) Forget(tenantID string) {
	s.records.Delete(tenantID)
}
