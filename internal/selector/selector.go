// Package selector computes the rows changed since a watermark.
//
// A row is selected for scope S when its tracking timestamp lies in
// (watermark, session timestamp] and it was not last written by S.
// The upper bound is the clock value read when the session started
// selecting, so rows written while selection runs are left for the next
// session. Initialization selects every live row up to the same bound.
package selector

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
)

// Request describes one selection.
type Request struct {
	// Tables are selected in order.
	Tables []model.Table

	// ScopeID is the requesting peer; its own writes are excluded.
	ScopeID string

	// Watermark is the requester's last consumed timestamp.
	Watermark int64

	// SessionTimestamp bounds the selection from above.
	SessionTimestamp int64

	// Initialize selects every live row, ignoring Watermark and ScopeID.
	Initialize bool

	// Parameters supplies values for table filters.
	Parameters map[string]any
}

// Selector reads changes through an adapter.
type Selector struct {
	adapter      adapter.Adapter
	interceptors *interceptor.Registry
	logger       *slog.Logger
}

// New returns a selector. A nil logger uses slog.Default().
func New(a adapter.Adapter, interceptors *interceptor.Registry, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{adapter: a, interceptors: interceptors, logger: logger}
}

// Select returns the changed rows grouped by table in request order. It is
// read-only apart from what interceptors do with q.
//
// Iteration stops at the first error, which is yielded with a zero row.
func (s *Selector) Select(ctx context.Context, q adapter.Querier, req Request) iter.Seq2[model.SyncRow, error] {
	return func(yield func(model.SyncRow, error) bool) {
		for _, t := range req.Tables {
			if err := ctx.Err(); err != nil {
				yield(model.SyncRow{}, err)
				return
			}

			selecting := &interceptor.TableChangesSelecting{
				Querier:          q,
				Table:            t,
				Watermark:        req.Watermark,
				SessionTimestamp: req.SessionTimestamp,
				Initialize:       req.Initialize,
			}
			if err := interceptor.Fire(ctx, s.interceptors, selecting); err != nil {
				yield(model.SyncRow{}, fmt.Errorf("select %s: %w", t.Name, err))
				return
			}
			if selecting.Skip {
				continue
			}

			count, ok := s.selectTable(ctx, q, t, req, yield)
			if !ok {
				return
			}

			if err := interceptor.Fire(ctx, s.interceptors, &interceptor.TableChangesSelected{
				Querier: q,
				Table:   t,
				Count:   count,
			}); err != nil {
				yield(model.SyncRow{}, fmt.Errorf("select %s: %w", t.Name, err))
				return
			}
			s.logger.Debug("table changes selected",
				"table", t.Name,
				"rows", count,
				"watermark", req.Watermark,
				"session_timestamp", req.SessionTimestamp,
				"initialize", req.Initialize)
		}
	}
}

// selectTable yields the changes of one table. ok is false when iteration
// must stop.
func (s *Selector) selectTable(ctx context.Context, q adapter.Querier, t model.Table, req Request, yield func(model.SyncRow, error) bool) (count int, ok bool) {
	kind, args, err := command(t, req)
	if err != nil {
		yield(model.SyncRow{}, err)
		return 0, false
	}

	rows, err := adapter.Query(ctx, s.adapter, q, kind, t, args...)
	if err != nil {
		yield(model.SyncRow{}, fmt.Errorf("select %s: %w", t.Name, err))
		return 0, false
	}

	// Rows are read per table before yielding: q must stay usable by the
	// consumer and by interceptors, and an open cursor on a single
	// connection pool would block them.
	var selected []model.SyncRow
	for rows.Next() {
		raw, err := adapter.ScanRow(rows)
		if err != nil {
			rows.Close()
			yield(model.SyncRow{}, fmt.Errorf("select %s: %w", t.Name, err))
			return 0, false
		}
		selected = append(selected, toSyncRow(t, raw))
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		yield(model.SyncRow{}, fmt.Errorf("select %s: %w", t.Name, s.adapter.ClassifyError(t.Name, err)))
		return 0, false
	}

	for i := range selected {
		row := &selected[i]
		ev := &interceptor.RowSelected{Querier: q, Table: t, Row: row}
		if err := interceptor.Fire(ctx, s.interceptors, ev); err != nil {
			yield(model.SyncRow{}, fmt.Errorf("select %s: %w", t.Name, err))
			return count, false
		}
		if ev.Skip {
			continue
		}
		count++
		if !yield(*row, nil) {
			return count, false
		}
	}
	return count, true
}

func command(t model.Table, req Request) (adapter.CommandKind, []any, error) {
	args := []any{sql.Named(adapter.ParamSessionTimestamp, req.SessionTimestamp)}

	if t.Filter != nil {
		v, ok := req.Parameters[t.Filter.Parameter]
		if !ok {
			return 0, nil, model.NewSchemaError(t.Name, fmt.Sprintf("missing filter parameter %q", t.Filter.Parameter))
		}
		args = append(args, sql.Named(adapter.ParamFilter, v))
	}

	if req.Initialize {
		return adapter.SelectInitializedChanges, args, nil
	}

	args = append(args,
		sql.Named(adapter.ParamLastTimestamp, req.Watermark),
		sql.Named(adapter.ParamScopeID, req.ScopeID),
	)
	if t.Filter != nil {
		return adapter.SelectChangesWithFilter, args, nil
	}
	return adapter.SelectChanges, args, nil
}

func toSyncRow(t model.Table, raw model.Row) model.SyncRow {
	state := model.RowStateModified
	if adapter.AsInt64(raw[adapter.ColIsTombstone]) != 0 {
		state = model.RowStateDeleted
	}
	values := make(model.Row, len(t.Columns))
	for _, c := range t.Columns {
		if state == model.RowStateDeleted && !c.PrimaryKey {
			continue
		}
		values[c.Name] = raw[c.Name]
	}
	return model.SyncRow{Table: t.Name, Values: values, State: state}
}

// Collect drains a selection into memory. Intended for tests and small
// selections; batch.Writer spills to disk instead.
func Collect(seq iter.Seq2[model.SyncRow, error]) ([]model.SyncRow, error) {
	var rows []model.SyncRow
	for row, err := range seq {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
