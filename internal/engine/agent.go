package engine

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/cleanup"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/retry"
	"github.com/roach88/rowsync/internal/scope"
	"github.com/roach88/rowsync/internal/selector"
	"github.com/roach88/rowsync/internal/transport"
)

// Agent runs sessions of a client database against a server.
//
// Sessions of one Agent must not run concurrently for the same scope.
type Agent struct {
	adapter  adapter.Adapter
	server   transport.Server
	opts     Options
	scopes   *scope.Manager
	batches  *batch.Manager
	selector *selector.Selector
	applier  *apply.Applier
	cleaner  *cleanup.Cleaner
	policy   cleanup.Policy
	logger   *slog.Logger
}

// NewAgent returns the client side for the database behind local.
func NewAgent(local adapter.Adapter, server transport.Server, opts ...Option) *Agent {
	o := buildOptions(opts)
	logger := o.Logger.With("peer", "client")
	return &Agent{
		adapter: local,
		server:  server,
		opts:    o,
		scopes: scope.New(local,
			scope.WithIDGenerator(o.IDs),
			scope.WithNow(o.Now),
			scope.WithLogger(logger)),
		batches:  batch.NewManager(o.BatchDir, o.SnapshotDir, o.BatchSize, logger),
		selector: selector.New(local, o.Interceptors, logger),
		applier: apply.New(local, apply.Options{
			IsServer:           false,
			ConflictPolicy:     o.ConflictPolicy,
			TransactionMode:    o.TransactionMode,
			ErrorPolicy:        o.ErrorPolicy,
			DisableConstraints: o.DisableConstraints,
			Retryer:            o.Retryer,
			Interceptors:       o.Interceptors,
			Logger:             logger,
		}),
		cleaner: cleanup.New(local, o.Interceptors, logger),
		policy:  cleanup.Policy{EverySessions: o.CleanupEverySessions},
		logger:  logger,
	}
}

// Scopes returns the scope manager of the client database.
func (ag *Agent) Scopes() *scope.Manager {
	return ag.scopes
}

// Batches returns the batch manager of the client.
func (ag *Agent) Batches() *batch.Manager {
	return ag.batches
}

// Synchronize runs one session of scopeName. An empty syncType is
// SyncNormal; nil params reuses the parameters of the previous session.
//
// Watermarks advance only when the whole session succeeds. A failed
// session leaves them where they were, so the next one selects the same
// changes again.
func (ag *Agent) Synchronize(ctx context.Context, scopeName string, syncType model.SyncType, params map[string]any) (result *SyncResult, err error) {
	if syncType == "" {
		syncType = model.SyncNormal
	}
	s := &session{
		agent:    ag,
		scope:    scopeName,
		syncType: syncType,
		params:   params,
		result: &SyncResult{
			Scope:     scopeName,
			SyncType:  syncType,
			StartTime: ag.opts.Now(),
		},
	}

	begin := &interceptor.SessionBegin{Scope: scopeName, SyncType: syncType, Parameters: params}
	if err := interceptor.Fire(ctx, ag.opts.Interceptors, begin); err != nil {
		return nil, err
	}
	defer func() {
		s.result.CompleteTime = ag.opts.Now()
		end := &interceptor.SessionEnd{
			Scope:    scopeName,
			ScopeID:  s.result.ScopeID,
			Started:  s.result.StartTime,
			Finished: s.result.CompleteTime,
			Err:      err,
		}
		if ferr := interceptor.Fire(ctx, ag.opts.Interceptors, end); ferr != nil && err == nil {
			result, err = nil, ferr
		}
		if err != nil {
			ag.logger.Error("session failed",
				"scope", scopeName,
				"sync_type", s.result.SyncType,
				"code", model.CodeOf(err),
				"error", err)
			return
		}
		ag.logger.Info("session completed",
			"scope", scopeName,
			"scope_id", s.result.ScopeID,
			"sync_type", s.result.SyncType,
			"duration", s.result.Duration(),
			"result", s.result.String())
	}()

	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return s.result, nil
}

// session carries the state of one Synchronize call.
type session struct {
	agent    *Agent
	scope    string
	scopeID  string
	syncType model.SyncType
	params   map[string]any
	result   *SyncResult

	remote          *transport.ScopeResponse
	def             model.ScopeDefinition
	state           *model.ScopeSyncState
	serverTimestamp int64
}

func (s *session) run(ctx context.Context) error {
	ag := s.agent
	if err := s.handshake(ctx); err != nil {
		return err
	}
	if err := s.checkOutdated(ctx); err != nil {
		return err
	}

	var failed []model.SyncRow
	if !s.syncType.IsReinitialize() {
		res, err := retryFailed(ctx, ag.applier, ag.batches, ag.logger, apply.Request{
			Tables:    downloadTables(s.def),
			SenderID:  s.remote.OwnerID,
			Watermark: s.state.LastSyncTimestamp,
		}, s.scope, s.scopeID)
		if err != nil {
			return err
		}
		s.record(res)
		failed = append(failed, res.Failed...)
	}

	ts0, err := ag.adapter.Timestamp(ctx, ag.adapter.DB())
	if err != nil {
		return err
	}

	if s.syncType != model.SyncReinitialize {
		if err := s.upload(ctx, ts0); err != nil {
			return err
		}
	}
	if s.syncType.IsReinitialize() {
		if err := s.reset(ctx); err != nil {
			return err
		}
	}

	downFailed, err := s.download(ctx, ts0)
	if err != nil {
		return err
	}
	failed = append(failed, downFailed...)
	if err := ag.batches.SaveErrors(s.scope, s.scopeID, failed); err != nil {
		return err
	}
	return s.commit(ctx, ts0)
}

func (s *session) record(res apply.Result) {
	s.result.TotalChangesAppliedOnClient += res.Applied
	s.result.TotalResolvedConflicts += res.Conflicts
	s.result.TotalFailedOnClient += len(res.Failed)
}

// handshake fetches the server's scope and provisions the client from it
// when the local copy is missing or differs.
func (s *session) handshake(ctx context.Context) error {
	ag := s.agent
	err := retry.Do(ctx, ag.opts.Retryer, func() error {
		var err error
		s.remote, err = ag.server.EnsureScope(ctx, transport.ScopeRequest{Scope: s.scope})
		return err
	})
	if err != nil {
		return err
	}

	db := ag.adapter.DB()
	local, err := ag.scopes.Lookup(ctx, db, s.scope)
	if err != nil {
		return err
	}
	if local == nil || local.Hash != s.remote.Hash || local.Definition.Version != s.remote.Definition.Version {
		local, err = ag.scopes.Provision(ctx, s.remote.Definition, true)
		if err != nil {
			return err
		}
		ag.logger.Info("scope provisioned from server", "scope", s.scope, "hash", local.Hash)
	}

	s.def = local.Definition
	s.scopeID = local.OwnerID
	s.result.ScopeID = local.OwnerID
	s.state, err = ag.scopes.State(ctx, db, s.scope, s.scopeID, s.params)
	return err
}

// checkOutdated lets an Outdated handler pick the recovery of a client
// that missed history deleted by a server cleanup.
func (s *session) checkOutdated(ctx context.Context) error {
	if s.syncType != model.SyncNormal {
		return nil
	}
	if !cleanup.IsOutdated(s.state.IsNewScope, s.state.LastServerSyncTimestamp, s.remote.LastCleanupTimestamp) {
		return nil
	}

	args := &interceptor.Outdated{
		Scope:                   s.scope,
		ScopeID:                 s.scopeID,
		LastServerSyncTimestamp: s.state.LastServerSyncTimestamp,
		ServerCleanupTimestamp:  s.remote.LastCleanupTimestamp,
		Action:                  interceptor.OutdatedRollback,
	}
	if err := interceptor.Fire(ctx, s.agent.opts.Interceptors, args); err != nil {
		return err
	}
	switch args.Action {
	case interceptor.OutdatedReinitialize:
		s.syncType = model.SyncReinitialize
	case interceptor.OutdatedReinitializeWithUpload:
		s.syncType = model.SyncReinitializeWithUpload
	default:
		return model.NewOutOfDateError(s.state.LastServerSyncTimestamp, s.remote.LastCleanupTimestamp)
	}
	s.result.SyncType = s.syncType
	s.agent.logger.Warn("client outdated",
		"scope", s.scope,
		"last_server_sync", s.state.LastServerSyncTimestamp,
		"server_cleanup", s.remote.LastCleanupTimestamp,
		"recovery", s.syncType)
	return nil
}

// upload sends the local changes in (LastSyncTimestamp, ts0] and has the
// server apply them.
func (s *session) upload(ctx context.Context, ts0 int64) error {
	ag := s.agent
	rows := ag.selector.Select(ctx, ag.adapter.DB(), selector.Request{
		Tables:           uploadTables(s.def),
		ScopeID:          s.remote.OwnerID,
		Watermark:        s.state.LastSyncTimestamp,
		SessionTimestamp: ts0,
	})
	b, err := ag.batches.Write(ctx, ag.opts.IDs.Generate(), ts0, rows)
	if err != nil {
		return err
	}
	defer func() {
		if err := ag.batches.Release(b.Info.ID); err != nil {
			ag.logger.Warn("release upload failed", "batch", b.Info.ID, "error", err)
		}
	}()

	for _, p := range b.Info.Parts {
		part, err := b.Part(p)
		if err != nil {
			return err
		}
		err = retry.Do(ctx, ag.opts.Retryer, func() error {
			return ag.server.UploadPart(ctx, s.scope, b.Info.ID, part)
		})
		if err != nil {
			return err
		}
	}

	// Not retried: a second apply would see the rows as already applied
	// and report different counts.
	resp, err := ag.server.ApplyChanges(ctx, transport.ApplyRequest{
		Scope:                   s.scope,
		ClientScopeID:           s.scopeID,
		Batch:                   b.Info,
		LastServerSyncTimestamp: s.state.LastServerSyncTimestamp,
	})
	if err != nil {
		return err
	}
	s.result.TotalChangesUploaded = b.Info.RowCount
	s.result.TotalChangesAppliedOnServer = resp.Applied
	s.result.TotalResolvedConflicts += resp.Conflicts
	s.result.TotalFailedOnServer = resp.Failed
	return nil
}

// reset empties the downloaded tables before a reinitialization. The
// state is marked new in the same transaction so that an interrupted
// reinitialization resumes as a full download.
func (s *session) reset(ctx context.Context) error {
	ag := s.agent
	tables := downloadTables(s.def)
	err := adapter.WithTx(ctx, ag.adapter.DB(), func(tx *sql.Tx) error {
		if ag.opts.DisableConstraints {
			if _, err := adapter.Exec(ctx, ag.adapter, tx, adapter.DisableConstraints, model.Table{}); err != nil {
				return err
			}
		}
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := adapter.Exec(ctx, ag.adapter, tx, adapter.Reset, tables[i]); err != nil {
				return err
			}
		}
		if ag.opts.DisableConstraints {
			if _, err := adapter.Exec(ctx, ag.adapter, tx, adapter.EnableConstraints, model.Table{}); err != nil {
				return err
			}
		}
		s.state.IsNewScope = true
		return ag.scopes.SaveState(ctx, tx, s.state)
	})
	if err != nil {
		return err
	}
	ag.logger.Info("tables reset", "scope", s.scope, "tables", len(tables))
	return ag.batches.ClearErrors(s.scope, s.scopeID)
}

// download requests the server's changes and applies them. It returns the
// rows that failed without aborting the session.
func (s *session) download(ctx context.Context, ts0 int64) ([]model.SyncRow, error) {
	ag := s.agent
	req := transport.ChangesRequest{
		Scope:                   s.scope,
		ClientScopeID:           s.scopeID,
		LastServerSyncTimestamp: s.state.LastServerSyncTimestamp,
		Initialize:              s.state.IsNewScope || s.syncType.IsReinitialize(),
		Parameters:              s.state.Parameters,
	}
	var resp *transport.ChangesResponse
	err := retry.Do(ctx, ag.opts.Retryer, func() error {
		var err error
		resp, err = ag.server.RequestChanges(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.serverTimestamp = resp.ServerTimestamp

	var failed []model.SyncRow
	if resp.Snapshot != nil {
		res, err := s.applyRemote(ctx, *resp.Snapshot, ts0)
		if err != nil {
			return nil, err
		}
		failed = append(failed, res.Failed...)
		s.result.SnapshotApplied = true
	}
	res, err := s.applyRemote(ctx, resp.Batch, ts0)
	if err != nil {
		return nil, err
	}
	return append(failed, res.Failed...), nil
}

// applyRemote downloads a server batch part by part and applies it.
func (s *session) applyRemote(ctx context.Context, remote batch.Info, ts0 int64) (apply.Result, error) {
	ag := s.agent
	defer func() {
		err := retry.Do(ctx, ag.opts.Retryer, func() error {
			return ag.server.ReleaseBatch(ctx, s.scope, remote.ID)
		})
		if err != nil {
			ag.logger.Warn("release server batch failed", "batch", remote.ID, "error", err)
		}
	}()

	local := remote
	local.ID = ag.opts.IDs.Generate()
	defer func() {
		if err := ag.batches.Release(local.ID); err != nil {
			ag.logger.Warn("release download failed", "batch", local.ID, "error", err)
		}
	}()

	for _, p := range remote.Parts {
		var part batch.Part
		err := retry.Do(ctx, ag.opts.Retryer, func() error {
			var err error
			part, err = ag.server.DownloadPart(ctx, s.scope, remote.ID, p.Ordinal)
			return err
		})
		if err != nil {
			return apply.Result{}, err
		}
		if _, err := ag.batches.Receive(local.ID, part); err != nil {
			return apply.Result{}, err
		}
	}
	b, err := ag.batches.Seal(local)
	if err != nil {
		return apply.Result{}, err
	}

	res, err := ag.applier.Apply(ctx, apply.Request{
		BatchID:   local.ID,
		Tables:    downloadTables(s.def),
		SenderID:  s.remote.OwnerID,
		Watermark: ts0,
		Source:    b,
	})
	if err != nil {
		return apply.Result{}, err
	}
	s.result.TotalChangesDownloaded += remote.RowCount
	s.record(res)
	return res, nil
}

// commit advances the watermarks and runs tombstone cleanup when due.
func (s *session) commit(ctx context.Context, ts0 int64) error {
	ag := s.agent
	return adapter.WithTx(ctx, ag.adapter.DB(), func(tx *sql.Tx) error {
		state := s.state
		state.IsNewScope = false
		state.LastSyncTimestamp = ts0
		state.LastServerSyncTimestamp = s.serverTimestamp
		state.LastCleanupTimestamp = s.remote.LastCleanupTimestamp
		state.LastSync = ag.opts.Now().UTC()
		if err := ag.scopes.SaveState(ctx, tx, state); err != nil {
			return err
		}

		info, err := ag.scopes.Info(ctx, tx, s.scope)
		if err != nil {
			return err
		}
		info.SessionsSinceCleanup++
		if ag.policy.Due(info.SessionsSinceCleanup) {
			info.SessionsSinceCleanup = 0
			if _, err := ag.cleaner.Clean(ctx, tx, s.scope, info.Definition.Tables, ts0, true); err != nil {
				return err
			}
		}
		return ag.scopes.SaveInfo(ctx, tx, info)
	})
}
