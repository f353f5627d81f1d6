package session

import (
	"context"
	"time"
)

// RunSweeper periodically drops sessions idle longer than the TTL, from memory and from
// the repository. It returns when ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	m.logger.Info("Session sweeper started", "interval", m.cfg.SweepInterval, "ttl", m.cfg.TTL)

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one expiry pass and returns the number of sessions evicted from memory.
func (m *Manager) Sweep(ctx context.Context) int {
	threshold := time.Now().Add(-m.cfg.TTL).UnixNano()

	m.mu.Lock()
	evicted := 0
	for k, e := range m.sessions {
		if e.refs > 0 || e.lastSeen.Load() >= threshold {
			continue
		}
		delete(m.sessions, k)
		evicted++
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Info("Session sweeper evicted idle sessions", "count", evicted)
	}

	deleted, err := m.repo.CleanupExpiredSessions(ctx, m.cfg.TTL)
	switch {
	case err != nil && ctx.Err() == nil:
		m.logger.Error("Session sweeper failed to clean up stored sessions", "error", err)
	case deleted > 0:
		m.logger.Info("Session sweeper deleted stored sessions", "count", deleted)
	}
	return evicted
}
