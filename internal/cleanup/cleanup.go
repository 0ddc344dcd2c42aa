// Package cleanup garbage-collects tracking history and detects clients
// whose watermark predates the collected history.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
)

// DefaultEverySessions is the default number of sessions between two
// server cleanups.
const DefaultEverySessions = 10

// Policy decides when cleanup runs.
type Policy struct {
	// EverySessions runs cleanup once this many sessions were served since
	// the last one. Zero disables cleanup.
	EverySessions int
}

// Due reports whether cleanup should run after sessions sessions.
func (p Policy) Due(sessions int) bool {
	return p.EverySessions > 0 && sessions >= p.EverySessions
}

// Cleaner deletes tracking rows below a watermark.
type Cleaner struct {
	adapter      adapter.Adapter
	interceptors *interceptor.Registry
	logger       *slog.Logger
}

// New returns a cleaner. A nil logger uses slog.Default().
func New(a adapter.Adapter, interceptors *interceptor.Registry, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{adapter: a, interceptors: interceptors, logger: logger}
}

// Clean deletes the tracking rows of tables with a timestamp below
// watermark, only tombstones when tombstonesOnly is set. It returns the
// number of rows deleted per table.
func (c *Cleaner) Clean(ctx context.Context, q adapter.Querier, scope string, tables []model.Table, watermark int64, tombstonesOnly bool) (map[string]int64, error) {
	deleted := make(map[string]int64, len(tables))
	if watermark <= 0 {
		return deleted, nil
	}
	for _, t := range tables {
		n, err := adapter.Exec(ctx, c.adapter, q, adapter.DeleteMetadata, t,
			sql.Named(adapter.ParamTimestamp, watermark),
			sql.Named(adapter.ParamTombstonesOnly, adapter.BoolInt(tombstonesOnly)))
		if err != nil {
			return nil, err
		}
		deleted[t.Name] = n
	}

	if err := interceptor.Fire(ctx, c.interceptors, &interceptor.MetadataCleaned{
		Querier:   q,
		Scope:     scope,
		Watermark: watermark,
		Deleted:   deleted,
	}); err != nil {
		return nil, err
	}

	var total int64
	for _, n := range deleted {
		total += n
	}
	c.logger.Info("metadata cleaned",
		"scope", scope,
		"watermark", watermark,
		"tombstones_only", tombstonesOnly,
		"deleted", total)
	return deleted, nil
}

// MinWatermark returns the lowest confirmed watermark across the sync-state
// records of a scope. ok is false when there are none.
func MinWatermark(states []model.ScopeSyncState) (watermark int64, ok bool) {
	for i, s := range states {
		if i == 0 || s.LastSyncTimestamp < watermark {
			watermark = s.LastSyncTimestamp
		}
	}
	return watermark, len(states) > 0
}

// IsOutdated reports whether a client that last saw server timestamp
// lastServerSync may have missed history deleted by a cleanup at
// cleanupWatermark. A client that never synced is never outdated.
func IsOutdated(isNew bool, lastServerSync, cleanupWatermark int64) bool {
	return !isNew && lastServerSync < cleanupWatermark
}
