package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/cleanup"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/selector"
	"github.com/roach88/rowsync/internal/transport"
)

// RemoteOrchestrator is the server side of sessions. It is safe for
// concurrent use by several clients.
type RemoteOrchestrator struct {
	adapter  adapter.Adapter
	opts     Options
	scopes   *scope.Manager
	batches  *batch.Manager
	selector *selector.Selector
	applier  *apply.Applier
	cleaner  *cleanup.Cleaner
	policy   cleanup.Policy
	logger   *slog.Logger
}

var _ transport.Server = (*RemoteOrchestrator)(nil)

// NewRemoteOrchestrator returns the server side for the database behind a.
func NewRemoteOrchestrator(a adapter.Adapter, opts ...Option) *RemoteOrchestrator {
	o := buildOptions(opts)
	logger := o.Logger.With("peer", "server")
	return &RemoteOrchestrator{
		adapter: a,
		opts:    o,
		scopes: scope.New(a,
			scope.WithIDGenerator(o.IDs),
			scope.WithNow(o.Now),
			scope.WithLogger(logger)),
		batches:  batch.NewManager(o.BatchDir, o.SnapshotDir, o.BatchSize, logger),
		selector: selector.New(a, o.Interceptors, logger),
		applier: apply.New(a, apply.Options{
			IsServer:           true,
			ConflictPolicy:     o.ConflictPolicy,
			TransactionMode:    o.TransactionMode,
			ErrorPolicy:        o.ErrorPolicy,
			DisableConstraints: o.DisableConstraints,
			Retryer:            o.Retryer,
			Interceptors:       o.Interceptors,
			Logger:             logger,
		}),
		cleaner: cleanup.New(a, o.Interceptors, logger),
		policy:  cleanup.Policy{EverySessions: o.CleanupEverySessions},
		logger:  logger,
	}
}

// Scopes returns the scope manager of the server database.
func (r *RemoteOrchestrator) Scopes() *scope.Manager {
	return r.scopes
}

// Batches returns the batch manager of the server.
func (r *RemoteOrchestrator) Batches() *batch.Manager {
	return r.batches
}

// Provision provisions a scope on the server database.
func (r *RemoteOrchestrator) Provision(ctx context.Context, def model.ScopeDefinition, overwrite bool) (*model.ScopeInfo, error) {
	return r.scopes.Provision(ctx, def, overwrite)
}

func (r *RemoteOrchestrator) scopeInfo(ctx context.Context, q adapter.Querier, name string) (*model.ScopeInfo, error) {
	info, err := r.scopes.Lookup(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, model.NewSchemaError("", fmt.Sprintf("scope %q is not provisioned on the server", name))
	}
	return info, nil
}

// EnsureScope implements transport.Server.
func (r *RemoteOrchestrator) EnsureScope(ctx context.Context, req transport.ScopeRequest) (*transport.ScopeResponse, error) {
	info, err := r.scopeInfo(ctx, r.adapter.DB(), req.Scope)
	if err != nil {
		return nil, err
	}
	return &transport.ScopeResponse{
		Definition:           info.Definition,
		Hash:                 info.Hash,
		OwnerID:              info.OwnerID,
		LastCleanupTimestamp: info.LastCleanupTimestamp,
	}, nil
}

// UploadPart implements transport.Server.
func (r *RemoteOrchestrator) UploadPart(ctx context.Context, scopeName, batchID string, part batch.Part) error {
	_, err := r.batches.Receive(batchID, part)
	return err
}

// ApplyChanges implements transport.Server. Rows the client's previous
// upload left for retry are applied first, then the uploaded batch. Rows
// that fail under a non-throwing policy are kept for the client's next
// session.
func (r *RemoteOrchestrator) ApplyChanges(ctx context.Context, req transport.ApplyRequest) (*transport.ApplyResponse, error) {
	info, err := r.scopeInfo(ctx, r.adapter.DB(), req.Scope)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := r.batches.Release(req.Batch.ID); err != nil {
			r.logger.Warn("release upload failed", "batch", req.Batch.ID, "error", err)
		}
	}()

	areq := apply.Request{
		Tables:    uploadTables(info.Definition),
		SenderID:  req.ClientScopeID,
		Watermark: req.LastServerSyncTimestamp,
	}
	retried, err := retryFailed(ctx, r.applier, r.batches, r.logger, areq, req.Scope, req.ClientScopeID)
	if err != nil {
		return nil, err
	}

	b, err := r.batches.Seal(req.Batch)
	if err != nil {
		return nil, err
	}
	areq.BatchID = b.Info.ID
	areq.Source = b
	res, err := r.applier.Apply(ctx, areq)
	if err != nil {
		return nil, err
	}

	failed := append(retried.Failed, res.Failed...)
	if err := r.batches.SaveErrors(req.Scope, req.ClientScopeID, failed); err != nil {
		return nil, err
	}

	return &transport.ApplyResponse{
		Applied:   retried.Applied + res.Applied,
		Conflicts: retried.Conflicts + res.Conflicts,
		Failed:    len(failed),
	}, nil
}

// RequestChanges implements transport.Server.
func (r *RemoteOrchestrator) RequestChanges(ctx context.Context, req transport.ChangesRequest) (*transport.ChangesResponse, error) {
	db := r.adapter.DB()
	info, err := r.scopeInfo(ctx, db, req.Scope)
	if err != nil {
		return nil, err
	}
	if !req.Initialize && cleanup.IsOutdated(false, req.LastServerSyncTimestamp, info.LastCleanupTimestamp) {
		return nil, model.NewOutOfDateError(req.LastServerSyncTimestamp, info.LastCleanupTimestamp)
	}

	ts, err := r.adapter.Timestamp(ctx, db)
	if err != nil {
		return nil, err
	}
	resp := &transport.ChangesResponse{ServerTimestamp: ts}

	sel := selector.Request{
		Tables:           downloadTables(info.Definition),
		ScopeID:          req.ClientScopeID,
		Watermark:        req.LastServerSyncTimestamp,
		SessionTimestamp: ts,
		Initialize:       req.Initialize,
		Parameters:       req.Parameters,
	}
	if req.Initialize {
		snap, err := r.snapshot(req.Scope, req.Parameters)
		if err != nil {
			return nil, err
		}
		if snap != nil && cleanup.IsOutdated(false, snap.Info.Timestamp, info.LastCleanupTimestamp) {
			// Tombstones newer than the snapshot may be gone, so a top-up
			// could not replay the deletes it missed.
			r.logger.Warn("snapshot predates metadata cleanup, initializing from tables",
				"scope", req.Scope,
				"snapshot_timestamp", snap.Info.Timestamp,
				"cleanup_timestamp", info.LastCleanupTimestamp)
			snap = nil
		}
		if snap != nil && snap.Info.Timestamp <= ts {
			resp.Snapshot = &snap.Info
			// Everything changed since the snapshot, whoever wrote it: a
			// reinitializing client no longer has its own rows.
			sel.Initialize = false
			sel.ScopeID = ""
			sel.Watermark = snap.Info.Timestamp
		}
	}

	b, err := r.batches.Write(ctx, r.opts.IDs.Generate(), ts, r.selector.Select(ctx, db, sel))
	if err != nil {
		return nil, err
	}
	resp.Batch = b.Info

	if err := r.recordSession(ctx, req, ts); err != nil {
		r.batches.Release(b.Info.ID)
		return nil, err
	}

	r.logger.Info("changes served",
		"scope", req.Scope,
		"client", req.ClientScopeID,
		"initialize", req.Initialize,
		"snapshot", resp.Snapshot != nil,
		"rows", b.Info.RowCount,
		"server_timestamp", ts)
	return resp, nil
}

// recordSession stores the client's confirmed watermark and runs metadata
// cleanup when it is due.
func (r *RemoteOrchestrator) recordSession(ctx context.Context, req transport.ChangesRequest, served int64) error {
	return adapter.WithTx(ctx, r.adapter.DB(), func(tx *sql.Tx) error {
		state, err := r.scopes.State(ctx, tx, req.Scope, req.ClientScopeID, req.Parameters)
		if err != nil {
			return err
		}
		state.IsNewScope = false
		state.LastSyncTimestamp = req.LastServerSyncTimestamp
		state.LastServerSyncTimestamp = served
		state.LastSync = r.opts.Now().UTC()
		if err := r.scopes.SaveState(ctx, tx, state); err != nil {
			return err
		}

		info, err := r.scopeInfo(ctx, tx, req.Scope)
		if err != nil {
			return err
		}
		info.SessionsSinceCleanup++
		if r.policy.Due(info.SessionsSinceCleanup) {
			if err := r.clean(ctx, tx, info); err != nil {
				return err
			}
		}
		return r.scopes.SaveInfo(ctx, tx, info)
	})
}

// clean deletes tracking rows below the lowest watermark any client
// confirmed and records it as the cleanup watermark.
func (r *RemoteOrchestrator) clean(ctx context.Context, q adapter.Querier, info *model.ScopeInfo) error {
	info.SessionsSinceCleanup = 0
	states, err := r.scopes.States(ctx, q, info.Definition.Name)
	if err != nil {
		return err
	}
	watermark, ok := cleanup.MinWatermark(states)
	if !ok || watermark <= info.LastCleanupTimestamp {
		return nil
	}
	if _, err := r.cleaner.Clean(ctx, q, info.Definition.Name, info.Definition.Tables, watermark, false); err != nil {
		return err
	}
	info.LastCleanupTimestamp = watermark
	return nil
}

// Cleanup runs metadata cleanup of a scope now.
func (r *RemoteOrchestrator) Cleanup(ctx context.Context, scopeName string) (int64, error) {
	var watermark int64
	err := adapter.WithTx(ctx, r.adapter.DB(), func(tx *sql.Tx) error {
		info, err := r.scopeInfo(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		if err := r.clean(ctx, tx, info); err != nil {
			return err
		}
		watermark = info.LastCleanupTimestamp
		return r.scopes.SaveInfo(ctx, tx, info)
	})
	return watermark, err
}

// DownloadPart implements transport.Server.
func (r *RemoteOrchestrator) DownloadPart(ctx context.Context, scopeName, batchID string, ordinal int) (batch.Part, error) {
	b, err := r.batches.Open(batchID)
	if err != nil {
		return batch.Part{}, err
	}
	return b.PartByOrdinal(ordinal)
}

// ReleaseBatch implements transport.Server.
func (r *RemoteOrchestrator) ReleaseBatch(ctx context.Context, scopeName, batchID string) error {
	return r.batches.Release(batchID)
}

func (r *RemoteOrchestrator) snapshot(scopeName string, params map[string]any) (*batch.Batch, error) {
	hash, err := model.ParametersHash(params)
	if err != nil {
		return nil, err
	}
	return r.batches.LoadSnapshot(scopeName, hash)
}

// CreateSnapshot stores every live row of the scope's download tables for
// params. Clients initializing with the same parameters are served from it.
func (r *RemoteOrchestrator) CreateSnapshot(ctx context.Context, scopeName string, params map[string]any) (*batch.Batch, error) {
	db := r.adapter.DB()
	info, err := r.scopeInfo(ctx, db, scopeName)
	if err != nil {
		return nil, err
	}
	hash, err := model.ParametersHash(params)
	if err != nil {
		return nil, err
	}
	ts, err := r.adapter.Timestamp(ctx, db)
	if err != nil {
		return nil, err
	}
	rows := r.selector.Select(ctx, db, selector.Request{
		Tables:           downloadTables(info.Definition),
		SessionTimestamp: ts,
		Initialize:       true,
		Parameters:       params,
	})
	return r.batches.WriteSnapshot(ctx, scopeName, hash, ts, rows)
}
