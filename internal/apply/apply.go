// Package apply writes incoming rows into the local store.
//
// Rows are applied per table: deletes first in reverse table order, then
// inserts and updates in table order, so children go before parents on
// delete and after them on insert. Every row runs in its own row scope, so
// a failed row never leaves a data row and its tracking row out of step.
package apply

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/retry"
)

// Options configures an Applier.
type Options struct {
	// IsServer selects the server's point of view for conflict resolution.
	IsServer bool

	ConflictPolicy  model.ConflictPolicy
	TransactionMode model.TransactionMode
	ErrorPolicy     model.ErrorAction

	// DisableConstraints suspends constraint checks while applying.
	DisableConstraints bool

	// Retryer retries transient failures. Nil never retries.
	Retryer retry.Retryer

	Interceptors *interceptor.Registry
	Logger       *slog.Logger
}

// Source yields the parts of a batch for a list of tables.
// *batch.Batch implements it.
type Source interface {
	PartsOf(tables []string) iter.Seq2[batch.Part, error]
}

// Request is one apply run.
type Request struct {
	BatchID string

	// Tables are the scope tables, in dependency order.
	Tables []model.Table

	// SenderID is recorded as the update scope id of applied rows.
	SenderID string

	// Watermark is the receiver's last timestamp known to the sender.
	// Local changes above it are conflicts.
	Watermark int64

	Source Source
}

// Result summarizes an apply run.
type Result struct {
	Applied   int
	Conflicts int

	// Skipped counts rows left untouched by a handler or already applied.
	Skipped int

	// Failed holds rows that could not be applied, marked ApplyFailed or
	// RetryOnNextSync.
	Failed []model.SyncRow
}

func (r *Result) add(o Result) {
	r.Applied += o.Applied
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
	r.Failed = append(r.Failed, o.Failed...)
}

// Applier applies batches through an adapter.
type Applier struct {
	adapter  adapter.Adapter
	opts     Options
	resolver *conflict.Resolver
	logger   *slog.Logger
}

// New returns an applier.
func New(a adapter.Adapter, opts Options) *Applier {
	if opts.TransactionMode == "" {
		opts.TransactionMode = model.TransactionAllOrNothing
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = model.ErrorThrow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Applier{
		adapter:  a,
		opts:     opts,
		resolver: conflict.NewResolver(opts.ConflictPolicy, opts.IsServer, opts.Interceptors, opts.Logger),
		logger:   opts.Logger,
	}
}

// Apply applies req.Source. A fatal error rolls back the transactional
// units not yet committed and returns no result.
func (ap *Applier) Apply(ctx context.Context, req Request) (Result, error) {
	var res Result
	var err error
	switch ap.opts.TransactionMode {
	case model.TransactionAllOrNothing:
		err = adapter.WithTx(ctx, ap.adapter.DB(), func(tx *sql.Tx) error {
			return ap.withoutConstraints(ctx, tx, func() error {
				var rerr error
				res, rerr = ap.run(ctx, tx, false, req)
				return rerr
			})
		})
	case model.TransactionPerBatch:
		res, err = ap.run(ctx, ap.adapter.DB(), true, req)
	default:
		res, err = ap.applyUnwrapped(ctx, req)
	}
	if err != nil {
		return Result{}, err
	}

	ap.logger.Info("changes applied",
		"batch", req.BatchID,
		"sender", req.SenderID,
		"applied", res.Applied,
		"conflicts", res.Conflicts,
		"failed", len(res.Failed))
	return res, nil
}

// applyUnwrapped applies req without a batch transaction. The run holds one
// connection so that every row scope stays on it.
func (ap *Applier) applyUnwrapped(ctx context.Context, req Request) (Result, error) {
	if ap.opts.DisableConstraints {
		return Result{}, &model.SyncError{
			Code:    model.ErrCodeInternal,
			Message: "constraints can only be disabled inside a transaction, not with transaction mode none",
		}
	}
	conn, err := ap.adapter.DB().Conn(ctx)
	if err != nil {
		return Result{}, ap.adapter.ClassifyError("", fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()
	return ap.run(ctx, conn, false, req)
}

// run applies both phases on q. With perPart set every part commits in its
// own transaction instead.
func (ap *Applier) run(ctx context.Context, q adapter.Querier, perPart bool, req Request) (Result, error) {
	if err := interceptor.Fire(ctx, ap.opts.Interceptors, &interceptor.BatchApplying{
		Querier:  q,
		BatchID:  req.BatchID,
		SenderID: req.SenderID,
	}); err != nil {
		return Result{}, err
	}

	var total Result
	reversed := slices.Clone(req.Tables)
	slices.Reverse(reversed)

	for _, t := range reversed {
		res, err := ap.applyTable(ctx, q, perPart, req, t, true)
		if err != nil {
			return Result{}, err
		}
		total.add(res)
	}
	for _, t := range req.Tables {
		res, err := ap.applyTable(ctx, q, perPart, req, t, false)
		if err != nil {
			return Result{}, err
		}
		total.add(res)
	}
	return total, nil
}

func (ap *Applier) applyTable(ctx context.Context, q adapter.Querier, perPart bool, req Request, t model.Table, deletes bool) (Result, error) {
	var total Result
	for part, err := range req.Source.PartsOf([]string{t.Name}) {
		if err != nil {
			return Result{}, err
		}
		var rows []model.SyncRow
		for _, row := range part.SyncRows() {
			if row.State.IsDelete() == deletes {
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			continue
		}

		var res Result
		if perPart {
			err = adapter.WithTx(ctx, ap.adapter.DB(), func(ptx *sql.Tx) error {
				return ap.withoutConstraints(ctx, ptx, func() error {
					var perr error
					res, perr = ap.applyRows(ctx, ptx, req, t, rows)
					return perr
				})
			})
		} else {
			res, err = ap.applyRows(ctx, q, req, t, rows)
		}
		if err != nil {
			return Result{}, err
		}
		total.add(res)
	}
	return total, nil
}

// withoutConstraints runs fn with constraint checks deferred to the end of
// tx when DisableConstraints is set.
func (ap *Applier) withoutConstraints(ctx context.Context, tx *sql.Tx, fn func() error) error {
	if !ap.opts.DisableConstraints {
		return fn()
	}
	if _, err := adapter.Exec(ctx, ap.adapter, tx, adapter.DisableConstraints, model.Table{}); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	_, err := adapter.Exec(ctx, ap.adapter, tx, adapter.EnableConstraints, model.Table{})
	return err
}

func (ap *Applier) applyRows(ctx context.Context, q adapter.Querier, req Request, t model.Table, rows []model.SyncRow) (Result, error) {
	var res Result
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := ap.applyRow(ctx, q, req, t, row, &res); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// outcome is what happened to one row.
type outcome int

const (
	outcomeApplied outcome = iota
	outcomeConflict
	outcomeSkipped
)

func (ap *Applier) applyRow(ctx context.Context, q adapter.Querier, req Request, t model.Table, row model.SyncRow, res *Result) error {
	row.State = row.State.Base()
	row.Values = row.Values.Clone()

	ev := &interceptor.RowApplying{Querier: q, Table: t, Row: &row, SenderID: req.SenderID}
	if err := interceptor.Fire(ctx, ap.opts.Interceptors, ev); err != nil {
		return err
	}
	if ev.Skip {
		res.Skipped++
		return nil
	}

	o, err := ap.attempt(ctx, q, req, t, row)
	if err == nil {
		res.record(o)
		return nil
	}
	if !model.IsConstraintViolation(err) {
		return err
	}

	failure := &interceptor.ApplyError{Querier: q, Table: t, Row: &row, Err: err, Action: ap.opts.ErrorPolicy}
	if herr := interceptor.Fire(ctx, ap.opts.Interceptors, failure); herr != nil {
		return herr
	}

	ap.logger.Warn("row failed to apply",
		"table", t.Name,
		"key", row.Values.Key(t),
		"action", failure.Action,
		"error", err)

	switch failure.Action {
	case model.ErrorContinueOnError:
		res.fail(row, row.State.Failed())
		return nil
	case model.ErrorRetryOnNextSync:
		res.fail(row, row.State.Retry())
		return nil
	case model.ErrorRetryOneMoreTimeAndThrow, model.ErrorRetryOneMoreTimeAndContinue:
		o, rerr := ap.attempt(ctx, q, req, t, row)
		if rerr == nil {
			res.record(o)
			return nil
		}
		if failure.Action == model.ErrorRetryOneMoreTimeAndContinue && model.IsConstraintViolation(rerr) {
			res.fail(row, row.State.Failed())
			return nil
		}
		return rerr
	default:
		return err
	}
}

func (r *Result) record(o outcome) {
	switch o {
	case outcomeApplied:
		r.Applied++
	case outcomeConflict:
		r.Applied++
		r.Conflicts++
	case outcomeSkipped:
		r.Skipped++
	}
}

func (r *Result) fail(row model.SyncRow, state model.RowState) {
	row.State = state
	r.Failed = append(r.Failed, row)
}

// attempt applies row inside a row scope, retrying transient failures.
func (ap *Applier) attempt(ctx context.Context, q adapter.Querier, req Request, t model.Table, row model.SyncRow) (outcome, error) {
	var o outcome
	err := retry.Do(ctx, ap.opts.Retryer, func() error {
		return ap.adapter.RowScope(ctx, q, func() error {
			var err error
			o, err = ap.write(ctx, q, req, t, row)
			return err
		})
	})
	return o, err
}

func (ap *Applier) write(ctx context.Context, q adapter.Querier, req Request, t model.Table, row model.SyncRow) (outcome, error) {
	key := row.Values.PrimaryKey(t)
	local, err := adapter.ReadLocal(ctx, ap.adapter, q, t, key)
	if err != nil {
		return 0, err
	}
	if alreadyApplied(t, local, row, req.SenderID) {
		return outcomeSkipped, nil
	}

	if !conflict.Detect(local, row, req.Watermark, req.SenderID) {
		return outcomeApplied, ap.writeRow(ctx, q, t, row, req.SenderID)
	}

	d, err := ap.resolver.Resolve(ctx, q, t, conflict.New(t, local, row), req.SenderID)
	if err != nil {
		return 0, err
	}
	switch d.Action {
	case conflict.ApplyRemote:
		err = ap.writeRow(ctx, q, t, d.Row, req.SenderID)
	case conflict.WriteMerged:
		usid := req.SenderID
		if d.LocalOrigin {
			usid = ""
		}
		err = ap.writeRow(ctx, q, t, d.Row, usid)
	case conflict.KeepLocal:
		// The server's copy is already what clients download. A client marks
		// its copy as changed again so that the next upload carries it.
		if !ap.opts.IsServer && local.Tracking != nil {
			err = adapter.WriteMetadata(ctx, ap.adapter, q, t, key, "", local.Tracking.IsTombstone)
		}
	default:
		err = fmt.Errorf("unexpected conflict action %s", d.Action)
	}
	if err != nil {
		return 0, err
	}
	return outcomeConflict, nil
}

// writeRow upserts or deletes the data row and records scopeID as its writer.
func (ap *Applier) writeRow(ctx context.Context, q adapter.Querier, t model.Table, row model.SyncRow, scopeID string) error {
	key := row.Values.PrimaryKey(t)
	if row.State.IsDelete() {
		if _, err := adapter.Exec(ctx, ap.adapter, q, adapter.DeleteRow, t, adapter.KeyArgs(t, key)...); err != nil {
			return err
		}
		return adapter.WriteMetadata(ctx, ap.adapter, q, t, key, scopeID, true)
	}
	if _, err := adapter.Exec(ctx, ap.adapter, q, adapter.InsertOrUpdateRow, t, adapter.RowArgs(t, row.Values)...); err != nil {
		return err
	}
	return adapter.WriteMetadata(ctx, ap.adapter, q, t, key, scopeID, false)
}

// alreadyApplied reports whether the stored row is exactly what sender
// already wrote, which makes re-applying a batch a no-op.
func alreadyApplied(t model.Table, local model.LocalRow, row model.SyncRow, sender string) bool {
	if local.Tracking == nil || sender == "" || local.Tracking.UpdateScopeID != sender {
		return false
	}
	if row.State.IsDelete() {
		return local.Tracking.IsTombstone && !local.Exists()
	}
	if !local.Exists() || local.Tracking.IsTombstone {
		return false
	}
	for _, c := range t.Columns {
		if fmt.Sprint(local.Values[c.Name]) != fmt.Sprint(row.Values[c.Name]) {
			return false
		}
	}
	return true
}
