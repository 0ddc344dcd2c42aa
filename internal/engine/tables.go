package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
)

// uploadTables lists the tables clients send, without their filters:
// filters restrict what a client receives, never what it sends.
func uploadTables(def model.ScopeDefinition) []model.Table {
	var tables []model.Table
	for _, t := range def.Tables {
		if t.Direction.Uploads() {
			t.Filter = nil
			tables = append(tables, t)
		}
	}
	return tables
}

// downloadTables lists the tables the server sends.
func downloadTables(def model.ScopeDefinition) []model.Table {
	var tables []model.Table
	for _, t := range def.Tables {
		if t.Direction.Downloads() {
			tables = append(tables, t)
		}
	}
	return tables
}

// retryFailed applies the rows left by the previous session of (scope,
// scopeID) that asked to be retried. Rows that failed for good are dropped.
func retryFailed(ctx context.Context, ap *apply.Applier, batches *batch.Manager, logger *slog.Logger, req apply.Request, scope, scopeID string) (apply.Result, error) {
	b, err := batches.LoadErrors(scope, scopeID)
	if err != nil || b == nil {
		return apply.Result{}, err
	}
	rows, err := b.Rows()
	if err != nil {
		return apply.Result{}, err
	}

	var pending batch.RowSet
	for _, row := range rows {
		if row.State.IsRetry() {
			pending = append(pending, row)
			continue
		}
		logger.Warn("dropping failed row", "scope", scope, "scope_id", scopeID, "table", row.Table, "state", row.State)
	}
	if len(pending) == 0 {
		return apply.Result{}, nil
	}

	logger.Info("retrying failed rows", "scope", scope, "scope_id", scopeID, "rows", len(pending))
	req.BatchID = b.Info.ID
	req.Source = pending
	return ap.Apply(ctx, req)
}
