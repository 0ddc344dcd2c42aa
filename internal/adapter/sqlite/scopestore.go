package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// LoadScopeInfo returns the scope record of name.
// Returns an error wrapping sql.ErrNoRows if not found.
func (a *Adapter) LoadScopeInfo(ctx context.Context, q adapter.Querier, name string) (*model.ScopeInfo, error) {
	row := q.QueryRowContext(ctx, `
		SELECT definition, hash, owner_id, last_cleanup_timestamp, sessions_since_cleanup, created_at, updated_at
		FROM scope_info
		WHERE name = ?
	`, name)
	info, err := scanScopeInfo(row)
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", name, err)
	}
	return info, nil
}

// ListScopeInfos returns every scope record ordered by name.
func (a *Adapter) ListScopeInfos(ctx context.Context, q adapter.Querier) ([]model.ScopeInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT definition, hash, owner_id, last_cleanup_timestamp, sessions_since_cleanup, created_at, updated_at
		FROM scope_info
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var infos []model.ScopeInfo
	for rows.Next() {
		info, err := scanScopeInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("list scopes: %w", err)
		}
		infos = append(infos, *info)
	}
	return infos, rows.Err()
}

// SaveScopeInfo inserts or replaces the scope record.
func (a *Adapter) SaveScopeInfo(ctx context.Context, q adapter.Querier, info *model.ScopeInfo) error {
	def, err := json.Marshal(info.Definition)
	if err != nil {
		return fmt.Errorf("save scope %s: %w", info.Definition.Name, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO scope_info
		(name, definition, version, hash, owner_id, last_cleanup_timestamp, sessions_since_cleanup, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			definition = excluded.definition,
			version = excluded.version,
			hash = excluded.hash,
			owner_id = excluded.owner_id,
			last_cleanup_timestamp = excluded.last_cleanup_timestamp,
			sessions_since_cleanup = excluded.sessions_since_cleanup,
			updated_at = excluded.updated_at
	`,
		info.Definition.Name,
		string(def),
		info.Definition.Version,
		info.Hash,
		info.OwnerID,
		info.LastCleanupTimestamp,
		info.SessionsSinceCleanup,
		formatTime(info.CreatedAt),
		formatTime(info.UpdatedAt),
	)
	if err != nil {
		return a.ClassifyError("", fmt.Errorf("save scope %s: %w", info.Definition.Name, err))
	}
	return nil
}

// DeleteScopeInfo removes the scope record. Missing records are ignored.
func (a *Adapter) DeleteScopeInfo(ctx context.Context, q adapter.Querier, name string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM scope_info WHERE name = ?", name); err != nil {
		return a.ClassifyError("", fmt.Errorf("delete scope %s: %w", name, err))
	}
	return nil
}

// LoadSyncState returns the sync-state record of (scopeName, scopeID).
// Returns an error wrapping sql.ErrNoRows if not found.
func (a *Adapter) LoadSyncState(ctx context.Context, q adapter.Querier, scopeName, scopeID string) (*model.ScopeSyncState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT scope_name, scope_id, is_new_scope, last_sync, last_sync_timestamp,
		       last_server_sync_timestamp, last_cleanup_timestamp, parameters
		FROM scope_info_client
		WHERE scope_name = ? AND scope_id = ?
	`, scopeName, scopeID)
	state, err := scanSyncState(row)
	if err != nil {
		return nil, fmt.Errorf("load sync state %s/%s: %w", scopeName, scopeID, err)
	}
	return state, nil
}

// ListSyncStates returns every sync-state record of a scope ordered by scope id.
func (a *Adapter) ListSyncStates(ctx context.Context, q adapter.Querier, scopeName string) ([]model.ScopeSyncState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT scope_name, scope_id, is_new_scope, last_sync, last_sync_timestamp,
		       last_server_sync_timestamp, last_cleanup_timestamp, parameters
		FROM scope_info_client
		WHERE scope_name = ?
		ORDER BY scope_id
	`, scopeName)
	if err != nil {
		return nil, fmt.Errorf("list sync states %s: %w", scopeName, err)
	}
	defer rows.Close()

	var states []model.ScopeSyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync states %s: %w", scopeName, err)
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// SaveSyncState inserts or replaces a sync-state record.
func (a *Adapter) SaveSyncState(ctx context.Context, q adapter.Querier, state *model.ScopeSyncState) error {
	params := state.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}

	var lastSync any
	if !state.LastSync.IsZero() {
		lastSync = formatTime(state.LastSync)
	}

	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO scope_info_client
		(scope_name, scope_id, is_new_scope, last_sync, last_sync_timestamp,
		 last_server_sync_timestamp, last_cleanup_timestamp, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		state.ScopeName,
		state.ScopeID,
		adapter.BoolInt(state.IsNewScope),
		lastSync,
		state.LastSyncTimestamp,
		state.LastServerSyncTimestamp,
		state.LastCleanupTimestamp,
		string(paramsJSON),
	)
	if err != nil {
		return a.ClassifyError("", fmt.Errorf("save sync state %s/%s: %w", state.ScopeName, state.ScopeID, err))
	}
	return nil
}

// DeleteSyncStates removes every sync-state record of a scope.
func (a *Adapter) DeleteSyncStates(ctx context.Context, q adapter.Querier, scopeName string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM scope_info_client WHERE scope_name = ?", scopeName); err != nil {
		return a.ClassifyError("", fmt.Errorf("delete sync states %s: %w", scopeName, err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScopeInfo(s scanner) (*model.ScopeInfo, error) {
	var (
		defJSON, createdAt, updatedAt string
		info                          model.ScopeInfo
	)
	err := s.Scan(&defJSON, &info.Hash, &info.OwnerID, &info.LastCleanupTimestamp,
		&info.SessionsSinceCleanup, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &info.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	info.CreatedAt = parseTime(createdAt)
	info.UpdatedAt = parseTime(updatedAt)
	return &info, nil
}

func scanSyncState(s scanner) (*model.ScopeSyncState, error) {
	var (
		state      model.ScopeSyncState
		isNew      int64
		lastSync   sql.NullString
		paramsJSON string
	)
	err := s.Scan(&state.ScopeName, &state.ScopeID, &isNew, &lastSync, &state.LastSyncTimestamp,
		&state.LastServerSyncTimestamp, &state.LastCleanupTimestamp, &paramsJSON)
	if err != nil {
		return nil, err
	}
	state.IsNewScope = isNew != 0
	if lastSync.Valid {
		state.LastSync = parseTime(lastSync.String)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &state.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return &state, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
