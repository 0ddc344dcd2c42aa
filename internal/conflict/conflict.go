// Package conflict detects, classifies and resolves concurrent changes to
// the same primary key.
//
// Each peer resolves from its own point of view: the row being applied is
// "remote" and the stored row is "local". The configured policy names a
// winning role (server or client), so the same policy yields opposite
// local/remote decisions on the two peers of a session.
package conflict

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
)

// Action is what the apply engine does with a resolved conflict.
type Action int

const (
	// ApplyRemote writes the incoming row, recorded as written by the sender.
	ApplyRemote Action = iota + 1

	// KeepLocal leaves the stored row in place.
	KeepLocal

	// WriteMerged writes Decision.Row in place of both versions.
	WriteMerged
)

func (a Action) String() string {
	switch a {
	case ApplyRemote:
		return "apply_remote"
	case KeepLocal:
		return "keep_local"
	case WriteMerged:
		return "write_merged"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision is the outcome of resolving one conflict.
type Decision struct {
	Action     Action
	Resolution model.ConflictResolution

	// Row is the row to write for ApplyRemote and WriteMerged.
	Row model.SyncRow

	// LocalOrigin records the written row as locally changed so that it
	// propagates on the next session.
	LocalOrigin bool
}

// Detect reports whether applying remote over local is a conflict.
//
// A row the receiver has never seen is a plain insert, unless the remote
// row is a delete. A tracked row conflicts when it changed after watermark
// through a writer other than sender.
func Detect(local model.LocalRow, remote model.SyncRow, watermark int64, sender string) bool {
	if local.Tracking == nil {
		return !local.Exists() && remote.State.IsDelete()
	}
	return local.Tracking.ChangedSince(watermark, sender)
}

// Classify returns the conflict type of remote against local.
func Classify(local model.LocalRow, remote model.SyncRow) model.ConflictType {
	switch {
	case remote.State.IsDelete() && local.Exists():
		return model.ConflictRemoteIsDeletedLocalExists
	case remote.State.IsDelete() && local.Tracking != nil:
		return model.ConflictRemoteIsDeletedLocalIsDeleted
	case remote.State.IsDelete():
		return model.ConflictRemoteIsDeletedLocalNotExists
	case local.Exists():
		return model.ConflictRemoteExistsLocalExists
	default:
		return model.ConflictRemoteExistsLocalIsDeleted
	}
}

// New builds the Conflict record handed to handlers.
func New(t model.Table, local model.LocalRow, remote model.SyncRow) *model.Conflict {
	c := &model.Conflict{
		Table:     t.Name,
		Type:      Classify(local, remote),
		RemoteRow: &remote,
	}
	switch {
	case local.Exists():
		c.LocalRow = &model.SyncRow{Table: t.Name, Values: local.Values, State: model.RowStateModified}
	case local.Tracking != nil:
		c.LocalRow = &model.SyncRow{Table: t.Name, Values: local.Tracking.Key, State: model.RowStateDeleted}
	}
	return c
}

// Resolver turns conflicts into decisions for one peer.
type Resolver struct {
	policy       model.ConflictPolicy
	isServer     bool
	interceptors *interceptor.Registry
	logger       *slog.Logger
}

// NewResolver returns a resolver applying policy from the point of view of
// the server when isServer is set, of a client otherwise.
func NewResolver(policy model.ConflictPolicy, isServer bool, interceptors *interceptor.Registry, logger *slog.Logger) *Resolver {
	if policy == "" {
		policy = model.PolicyServerWins
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{policy: policy, isServer: isServer, interceptors: interceptors, logger: logger}
}

// DefaultResolution is the resolution the policy assigns before handlers run.
func (r *Resolver) DefaultResolution() model.ConflictResolution {
	if r.policy == model.PolicyClientWins {
		return model.ResolutionClientWins
	}
	return model.ResolutionServerWins
}

// Resolve fires ConflictOccurred and maps the final resolution to a
// decision. A Throw resolution, a failing handler or a MergeRow without a
// final row is a CONFLICT_RESOLUTION_ERROR.
func (r *Resolver) Resolve(ctx context.Context, q adapter.Querier, t model.Table, c *model.Conflict, sender string) (Decision, error) {
	c.Resolution = r.DefaultResolution()
	args := &interceptor.ConflictOccurred{
		Querier:          q,
		Table:            t,
		Conflict:         c,
		SenderID:         sender,
		IsServer:         r.isServer,
		ForceLocalOrigin: true,
	}
	if err := interceptor.Fire(ctx, r.interceptors, args); err != nil {
		return Decision{}, model.NewConflictResolutionError(t.Name, err)
	}

	r.logger.Debug("conflict resolved",
		"table", t.Name,
		"type", c.Type,
		"resolution", c.Resolution,
		"server", r.isServer)

	d := Decision{Resolution: c.Resolution}
	switch c.Resolution {
	case model.ResolutionServerWins, model.ResolutionClientWins:
		if (c.Resolution == model.ResolutionServerWins) == r.isServer {
			d.Action = KeepLocal
			return d, nil
		}
		d.Action = ApplyRemote
		d.Row = *c.RemoteRow
		return d, nil

	case model.ResolutionMergeRow:
		if c.FinalRow == nil {
			return Decision{}, model.NewConflictResolutionError(t.Name, fmt.Errorf("merge resolution without a final row"))
		}
		row := c.FinalRow.Clone()
		for _, pk := range t.PrimaryKeys() {
			if _, ok := row[pk.Name]; !ok {
				row[pk.Name] = c.RemoteRow.Values[pk.Name]
			}
		}
		d.Action = WriteMerged
		d.Row = model.SyncRow{Table: t.Name, Values: row, State: model.RowStateModified}
		d.LocalOrigin = args.ForceLocalOrigin
		return d, nil

	case model.ResolutionThrow:
		return Decision{}, model.NewConflictResolutionError(t.Name, fmt.Errorf("%s conflict on key %s", c.Type, c.RemoteRow.Values.Key(t)))

	default:
		return Decision{}, model.NewConflictResolutionError(t.Name, fmt.Errorf("unknown resolution %q", c.Resolution))
	}
}
