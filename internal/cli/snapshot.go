package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Database string
	Scope    string
	Params   []string
}

// SnapshotResult is the output of the snapshot command.
type SnapshotResult struct {
	Scope     string `json:"scope"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Rows      int    `json:"rows"`
	Parts     int    `json:"parts"`
}

func (r SnapshotResult) String() string {
	return fmt.Sprintf("Snapshot %s of %s: %d row(s) in %d part(s) at timestamp %d",
		r.ID, r.Scope, r.Rows, r.Parts, r.Timestamp)
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Build a server snapshot for new clients",
		Long: `Select every row of a scope into a snapshot batch. New clients with the
same filter parameters initialize from it and download only the changes
made since. Building a snapshot again replaces the previous one.

Examples:
  rowsync snapshot --db server.db --scope sales
  rowsync snapshot --db server.db --scope sales --param customer_id=42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	addScopeFlag(cmd, &opts.Scope)
	cmd.Flags().StringArrayVar(&opts.Params, "param", nil, "filter parameter as key=value (repeatable)")

	return cmd
}

func runSnapshot(ctx context.Context, opts *SnapshotOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --param", err)
	}

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	remote := engine.NewRemoteOrchestrator(p.db, p.options...)
	b, err := remote.CreateSnapshot(ctx, opts.Scope, params)
	if err != nil {
		return reportSyncError(formatter, "snapshot failed", err)
	}
	return formatter.Success(SnapshotResult{
		Scope:     opts.Scope,
		ID:        b.Info.ID,
		Timestamp: b.Info.Timestamp,
		Rows:      b.Info.RowCount,
		Parts:     len(b.Info.Parts),
	})
}
