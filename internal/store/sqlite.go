package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes multi-statement writes to prevent SQLITE_BUSY
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		task_type TEXT,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS preference_counts (
		tenant_id TEXT NOT NULL,
		category TEXT NOT NULL,
		value TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, category, value)
	);

	CREATE TABLE IF NOT EXISTS preference_settings (
		tenant_id TEXT PRIMARY KEY,
		skip_recommendations INTEGER NOT NULL DEFAULT 0,
		auto_approve INTEGER NOT NULL DEFAULT 0,
		total_completed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dispatches (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		category TEXT NOT NULL,
		task_kind TEXT NOT NULL,
		params_json TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_session ON dispatches(tenant_id, session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session state.
func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, sessionID string) (*domain.SessionState, error) {
	query := `SELECT state_json FROM sessions WHERE tenant_id = ? AND session_id = ?`

	var stateJSON string
	err := s.db.QueryRowContext(ctx, query, tenantID, sessionID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	var state domain.SessionState
	dec := json.NewDecoder(strings.NewReader(stateJSON))
	dec.UseNumber()
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	state.GatheredParams = restoreNumbers(state.GatheredParams)
	for i := range state.ParamHistory {
		state.ParamHistory[i].Params = restoreNumbers(state.ParamHistory[i].Params)
	}
	if state.GatheredParams == nil {
		state.GatheredParams = map[string]any{}
	}
	return &state, nil
}

// restoreNumbers turns decoded JSON numbers back into the int or float64 values the
// flow stored.
func restoreNumbers(params map[string]any) map[string]any {
	for k, v := range params {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			params[k] = int(i)
		} else if f, err := n.Float64(); err == nil {
			params[k] = f
		}
	}
	return params
}

// SaveSession creates or updates a session state.
func (s *SQLiteStore) SaveSession(ctx context.Context, state *domain.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	query := `
		INSERT INTO sessions (tenant_id, session_id, stage, task_type, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			stage = excluded.stage,
			task_type = excluded.task_type,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "save session", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			state.TenantID, state.SessionID, string(state.Stage), nullable(state.TaskType), string(data),
			state.CreatedAt.Unix(), time.Now().Unix(),
		)
		return err
	})
}

// DeleteSession removes a session state.
func (s *SQLiteStore) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete session", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID)
		return err
	})
}

// CleanupExpiredSessions removes sessions older than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var n int64
	err := shared.RetryOnConflict(ctx, s.retry, "cleanup expired sessions", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// LoadPreferences returns the tenant's persisted preferences. Histories are ordered
// by first use.
func (s *SQLiteStore) LoadPreferences(ctx context.Context, tenantID string) (*domain.PreferenceSnapshot, error) {
	snap := &domain.PreferenceSnapshot{
		TenantID:  tenantID,
		Histories: map[string][]domain.ValueCount{},
		Preferred: map[string]string{},
	}
	found := false

	var skip, auto int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT skip_recommendations, auto_approve, total_completed, updated_at
		FROM preference_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&skip, &auto, &snap.TotalCompletedTasks, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("scan preference settings: %w", err)
	default:
		found = true
		snap.SkipRecommendations = skip != 0
		snap.AutoApprove = auto != 0
		snap.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, value, count, first_seen
		FROM preference_counts WHERE tenant_id = ?
		ORDER BY first_seen, rowid`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query preference counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close preference rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var cat string
		var vc domain.ValueCount
		if err := rows.Scan(&cat, &vc.Value, &vc.Count, &vc.FirstSeen); err != nil {
			return nil, fmt.Errorf("scan preference count: %w", err)
		}
		snap.Histories[cat] = append(snap.Histories[cat], vc)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preference counts: %w", err)
	}

	if !found {
		return nil, nil
	}
	return snap, nil
}

// IncrementPreferences adds to the persisted counters in one transaction.
func (s *SQLiteStore) IncrementPreferences(ctx context.Context, tenantID string, choices map[string]string, completed bool) error {
	return shared.RetryOnConflict(ctx, s.retry, "increment preferences", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now()
		for cat, value := range choices {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO preference_counts (tenant_id, category, value, count, first_seen)
				VALUES (?, ?, ?, 1, ?)
				ON CONFLICT(tenant_id, category, value) DO UPDATE SET count = count + 1`,
				tenantID, cat, value, now.UnixNano(),
			); err != nil {
				return fmt.Errorf("increment %s: %w", cat, err)
			}
		}

		inc := 0
		if completed {
			inc = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO preference_settings (tenant_id, total_completed, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(tenant_id) DO UPDATE SET
				total_completed = total_completed + excluded.total_completed,
				updated_at = excluded.updated_at`,
			tenantID, inc, now.Unix(),
		); err != nil {
			return fmt.Errorf("increment completed: %w", err)
		}
		return tx.Commit()
	})
}

// SavePreferenceSettings stores the explicit preference flags.
func (s *SQLiteStore) SavePreferenceSettings(ctx context.Context, tenantID string, skipRecommendations, autoApprove bool) error {
	query := `
		INSERT INTO preference_settings (tenant_id, skip_recommendations, auto_approve, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			skip_recommendations = excluded.skip_recommendations,
			auto_approve = excluded.auto_approve,
			updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "save preference settings", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, query, tenantID, boolInt(skipRecommendations), boolInt(autoApprove), time.Now().Unix())
		return err
	})
}

// CreateDispatch stores a pending dispatch unless its idempotency key was seen before.
func (s *SQLiteStore) CreateDispatch(ctx context.Context, req domain.DispatchRequest) (bool, error) {
	params, err := json.Marshal(req.InputParameters)
	if err != nil {
		return false, fmt.Errorf("encode dispatch params: %w", err)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.ID
	}

	query := `
		INSERT INTO dispatches (id, idempotency_key, tenant_id, session_id, capability, category,
			task_kind, params_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`

	var created bool
	err = shared.RetryOnConflict(ctx, s.retry, "create dispatch", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		now := time.Now().Unix()
		result, err := s.db.ExecContext(ctx, query,
			req.ID, key, req.TenantID, req.SessionID, req.Capability, req.Category,
			req.TaskKind, string(params), string(domain.DispatchPending), req.CreatedAt.Unix(), now,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		created = rows == 1
		return nil
	})
	return created, err
}

const dispatchColumns = `id, idempotency_key, tenant_id, session_id, capability, category,
	task_kind, params_json, status, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (*domain.DispatchRecord, error) {
	var rec domain.DispatchRecord
	var params string
	var errMsg sql.NullString
	var status string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&rec.Request.ID, &rec.Request.IdempotencyKey, &rec.Request.TenantID, &rec.Request.SessionID,
		&rec.Request.Capability, &rec.Request.Category, &rec.Request.TaskKind,
		&params, &status, &errMsg, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &rec.Request.InputParameters); err != nil {
		return nil, fmt.Errorf("decode dispatch params: %w", err)
	}
	rec.Status = domain.DispatchStatus(status)
	rec.Error = errMsg.String
	rec.Request.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// GetDispatch retrieves a dispatch by id.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id)
	rec, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}
	return rec, nil
}

// UpdateDispatchStatus records the outcome of a dispatch.
func (s *SQLiteStore) UpdateDispatchStatus(ctx context.Context, id string, status domain.DispatchStatus, errMsg string) error {
	query := `UPDATE dispatches SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "update dispatch", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		result, err := s.db.ExecContext(ctx, query, string(status), nullable(errMsg), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateDispatchStatus affected 0 rows", "dispatch_id", id)
		return fmt.Errorf("dispatch %s not found", id)
	}
	return nil
}

// ListDispatches returns the dispatches of a session.
func (s *SQLiteStore) ListDispatches(ctx context.Context, tenantID, sessionID string) ([]*domain.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dispatchColumns+`
		FROM dispatches WHERE tenant_id = ? AND session_id = ? ORDER BY created_at, rowid`, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close dispatch rows", "error", closeErr)
		}
	}()

	var out []*domain.DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
