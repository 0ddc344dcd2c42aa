package engine

import (
	"context"
	"fmt"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/scope"
)

// Status describes a provisioned scope of one database.
type Status struct {
	Info    model.ScopeInfo
	Clients []ClientStatus
}

// ClientStatus is the sync state of one scope id with the rows its last
// session left in the ERROR batch.
type ClientStatus struct {
	State        model.ScopeSyncState
	PendingRetry int
	Failed       int
}

// Status reports the scope as this client sees it.
func (ag *Agent) Status(ctx context.Context, scopeName string) (*Status, error) {
	return inspect(ctx, ag.adapter, ag.scopes, ag.batches, scopeName)
}

// Status reports the scope and every client that synced it.
func (r *RemoteOrchestrator) Status(ctx context.Context, scopeName string) (*Status, error) {
	return inspect(ctx, r.adapter, r.scopes, r.batches, scopeName)
}

func inspect(ctx context.Context, a adapter.Adapter, scopes *scope.Manager, batches *batch.Manager, name string) (*Status, error) {
	db := a.DB()
	info, err := scopes.Lookup(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, model.NewSchemaError("", fmt.Sprintf("scope %q is not provisioned", name))
	}
	states, err := scopes.States(ctx, db, name)
	if err != nil {
		return nil, err
	}

	st := &Status{Info: *info}
	for _, state := range states {
		c := ClientStatus{State: state}
		b, err := batches.LoadErrors(name, state.ScopeID)
		if err != nil {
			return nil, err
		}
		if b != nil {
			rows, err := b.Rows()
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				if row.State.IsRetry() {
					c.PendingRetry++
				} else {
					c.Failed++
				}
			}
		}
		st.Clients = append(st.Clients, c)
	}
	return st, nil
}
