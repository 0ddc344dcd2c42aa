package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
)

// DeprovisionOptions holds flags for the deprovision command.
type DeprovisionOptions struct {
	*RootOptions
	Database string
	Scope    string
}

// NewDeprovisionCommand creates the deprovision command.
func NewDeprovisionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeprovisionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deprovision",
		Short: "Remove a scope and its tracking metadata",
		Long: `Remove the tracking tables and triggers of a scope and forget its sync
states. User tables and their rows are kept.

Example:
  rowsync deprovision --db server.db --scope sales`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeprovision(cmd.Context(), opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	addScopeFlag(cmd, &opts.Scope)

	return cmd
}

func runDeprovision(ctx context.Context, opts *DeprovisionOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	remote := engine.NewRemoteOrchestrator(p.db, p.options...)
	if err := remote.Scopes().Deprovision(ctx, opts.Scope); err != nil {
		return reportSyncError(formatter, fmt.Sprintf("failed to deprovision scope %s", opts.Scope), err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]string{"scope": opts.Scope, "database": p.path})
	}
	return formatter.Success(fmt.Sprintf("Deprovisioned scope %s from %s", opts.Scope, p.path))
}
