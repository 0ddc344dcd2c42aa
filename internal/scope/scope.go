// Package scope provisions scopes and owns their sync-state records.
//
// A database has one owner id, shared by all its scopes. Peers record the
// owner id of the sender as the update scope id of rows they apply, which
// keeps a row from echoing back to the peer that wrote it.
package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// IDGenerator generates database owner ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Manager provisions scopes on one database.
type Manager struct {
	adapter adapter.Adapter
	ids     IDGenerator
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator sets the owner id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithNow sets the wall clock used for record timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New returns a manager for the database behind a.
func New(a adapter.Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapter: a,
		ids:     UUIDv7Generator{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Provision creates the tables, tracking tables and scope record of def.
//
// Provisioning an identical definition again is a no-op. A different
// definition under an existing name is rejected unless overwrite is set, in
// which case tracking is rebuilt for the new tables and removed from tables
// the scope no longer lists.
func (m *Manager) Provision(ctx context.Context, def model.ScopeDefinition, overwrite bool) (*model.ScopeInfo, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	hash, err := model.ScopeHash(def)
	if err != nil {
		return nil, fmt.Errorf("provision scope %s: %w", def.Name, err)
	}

	var info *model.ScopeInfo
	err = adapter.WithTx(ctx, m.adapter.DB(), func(tx *sql.Tx) error {
		existing, err := m.load(ctx, tx, def.Name)
		if err != nil {
			return err
		}
		if existing != nil && existing.Hash == hash && existing.Definition.Version == def.Version {
			info = existing
			return nil
		}
		if existing != nil && !overwrite {
			return model.NewSchemaError("", fmt.Sprintf("scope %q is already provisioned with a different definition", def.Name))
		}

		for _, t := range def.Tables {
			if err := m.adapter.EnsureTable(ctx, tx, t); err != nil {
				return err
			}
			if err := m.adapter.ProvisionTracking(ctx, tx, t); err != nil {
				return err
			}
		}

		now := m.now().UTC()
		info = &model.ScopeInfo{Definition: def, Hash: hash, CreatedAt: now, UpdatedAt: now}
		if existing != nil {
			if err := m.dropUnused(ctx, tx, existing.Definition, def); err != nil {
				return err
			}
			info.OwnerID = existing.OwnerID
			info.LastCleanupTimestamp = existing.LastCleanupTimestamp
			info.SessionsSinceCleanup = existing.SessionsSinceCleanup
			info.CreatedAt = existing.CreatedAt
		} else {
			info.OwnerID, err = m.ownerID(ctx, tx)
			if err != nil {
				return err
			}
		}
		return m.adapter.SaveScopeInfo(ctx, tx, info)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("scope provisioned",
		"scope", def.Name,
		"version", def.Version,
		"hash", info.Hash,
		"tables", len(def.Tables))
	return info, nil
}

// Deprovision drops the tracking of a scope's tables and forgets the scope
// and its sync states. Data tables are kept. Tables still listed by another
// scope keep their tracking.
func (m *Manager) Deprovision(ctx context.Context, name string) error {
	err := adapter.WithTx(ctx, m.adapter.DB(), func(tx *sql.Tx) error {
		info, err := m.adapter.LoadScopeInfo(ctx, tx, name)
		if err != nil {
			return fmt.Errorf("deprovision scope %s: %w", name, err)
		}
		if err := m.dropUnused(ctx, tx, info.Definition, model.ScopeDefinition{Name: name}); err != nil {
			return err
		}
		if err := m.adapter.DeleteSyncStates(ctx, tx, name); err != nil {
			return err
		}
		return m.adapter.DeleteScopeInfo(ctx, tx, name)
	})
	if err != nil {
		return err
	}
	m.logger.Info("scope deprovisioned", "scope", name)
	return nil
}

// dropUnused removes tracking from tables of old that neither next nor any
// other scope lists.
func (m *Manager) dropUnused(ctx context.Context, q adapter.Querier, old, next model.ScopeDefinition) error {
	others, err := m.adapter.ListScopeInfos(ctx, q)
	if err != nil {
		return err
	}
	for _, t := range old.Tables {
		if _, ok := next.Table(t.Name); ok {
			continue
		}
		inUse := slices.ContainsFunc(others, func(o model.ScopeInfo) bool {
			_, ok := o.Definition.Table(t.Name)
			return ok && o.Definition.Name != old.Name
		})
		if inUse {
			continue
		}
		if err := m.adapter.DeprovisionTracking(ctx, q, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// ownerID returns the owner id of the database, creating one on first use.
func (m *Manager) ownerID(ctx context.Context, q adapter.Querier) (string, error) {
	infos, err := m.adapter.ListScopeInfos(ctx, q)
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		if info.OwnerID != "" {
			return info.OwnerID, nil
		}
	}
	return m.ids.Generate(), nil
}

func (m *Manager) load(ctx context.Context, q adapter.Querier, name string) (*model.ScopeInfo, error) {
	info, err := m.adapter.LoadScopeInfo(ctx, q, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return info, err
}

// Info returns the scope record of name. The error wraps sql.ErrNoRows when
// the scope is not provisioned.
func (m *Manager) Info(ctx context.Context, q adapter.Querier, name string) (*model.ScopeInfo, error) {
	return m.adapter.LoadScopeInfo(ctx, q, name)
}

// Lookup returns the scope record of name, or nil when it is not provisioned.
func (m *Manager) Lookup(ctx context.Context, q adapter.Querier, name string) (*model.ScopeInfo, error) {
	return m.load(ctx, q, name)
}

// SaveInfo persists a scope record, stamping its update time.
func (m *Manager) SaveInfo(ctx context.Context, q adapter.Querier, info *model.ScopeInfo) error {
	info.UpdatedAt = m.now().UTC()
	return m.adapter.SaveScopeInfo(ctx, q, info)
}

// State returns the sync-state record of (scope, scopeID). A missing record
// is created in memory with IsNewScope set; it is persisted by SaveState.
func (m *Manager) State(ctx context.Context, q adapter.Querier, scope, scopeID string, params map[string]any) (*model.ScopeSyncState, error) {
	state, err := m.adapter.LoadSyncState(ctx, q, scope, scopeID)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.ScopeSyncState{
			ScopeName:  scope,
			ScopeID:    scopeID,
			IsNewScope: true,
			Parameters: params,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if params != nil {
		state.Parameters = params
	}
	return state, nil
}

// SaveState persists a sync-state record.
func (m *Manager) SaveState(ctx context.Context, q adapter.Querier, state *model.ScopeSyncState) error {
	return m.adapter.SaveSyncState(ctx, q, state)
}

// States lists the sync-state records of a scope.
func (m *Manager) States(ctx context.Context, q adapter.Querier, scope string) ([]model.ScopeSyncState, error) {
	return m.adapter.ListSyncStates(ctx, q, scope)
}

// ShadowScope copies the sync-state records of from into the provisioned
// scope to, so that to starts from the watermarks already reached under
// from instead of downloading its history again. Records that already
// exist under to are left alone.
func (m *Manager) ShadowScope(ctx context.Context, from, to string) (int, error) {
	copied := 0
	err := adapter.WithTx(ctx, m.adapter.DB(), func(tx *sql.Tx) error {
		if _, err := m.adapter.LoadScopeInfo(ctx, tx, from); err != nil {
			return fmt.Errorf("shadow scope %s: %w", from, err)
		}
		if _, err := m.adapter.LoadScopeInfo(ctx, tx, to); err != nil {
			return fmt.Errorf("shadow scope %s: %w", to, err)
		}
		states, err := m.adapter.ListSyncStates(ctx, tx, from)
		if err != nil {
			return err
		}
		for _, s := range states {
			_, err := m.adapter.LoadSyncState(ctx, tx, to, s.ScopeID)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			s.ScopeName = to
			if err := m.adapter.SaveSyncState(ctx, tx, &s); err != nil {
				return err
			}
			copied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("scope shadowed", "from", from, "to", to, "states", copied)
	return copied, nil
}
