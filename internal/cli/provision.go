package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/model"
)

// ProvisionOptions holds flags for the provision command.
type ProvisionOptions struct {
	*RootOptions
	Database  string
	Scope     string
	Overwrite bool
}

// ProvisionedScope describes one provisioned scope.
type ProvisionedScope struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Hash    string   `json:"hash"`
	Tables  []string `json:"tables"`
}

// ProvisionResult is the output of the provision command.
type ProvisionResult struct {
	Database string             `json:"database"`
	Scopes   []ProvisionedScope `json:"scopes"`
}

// RenderText prints one line per scope.
func (r ProvisionResult) RenderText(w io.Writer) {
	for _, s := range r.Scopes {
		fmt.Fprintf(w, "✓ %s (version %s): %d table(s)\n", s.Name, s.Version, len(s.Tables))
	}
	fmt.Fprintf(w, "Provisioned %d scope(s) in %s\n", len(r.Scopes), r.Database)
}

// NewProvisionCommand creates the provision command.
func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProvisionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "provision <scope-dir>",
		Short: "Provision scopes on a server database",
		Long: `Compile the scope definitions of a directory (.cue and .yaml files) and
provision them: create missing tables, tracking tables and triggers, and
record the scope. Clients provision themselves from the server on their
first sync.

Provisioning an unchanged scope is a no-op. A changed definition is refused
unless --overwrite is given.

Examples:
  rowsync provision --db server.db ./scopes
  rowsync provision --db server.db --scope sales --overwrite ./scopes`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.Context(), opts, args[0], cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "provision only this scope")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "replace a scope whose definition changed")

	return cmd
}

func runProvision(ctx context.Context, opts *ProvisionOptions, scopeDir string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	defs, err := loadScopesForCommand(formatter, scopeDir, opts.Scope)
	if err != nil {
		return err
	}

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	remote := engine.NewRemoteOrchestrator(p.db, p.options...)
	result := ProvisionResult{Database: p.path}
	for _, def := range defs {
		formatter.VerboseLog("Provisioning scope %s (%d tables)", def.Name, len(def.Tables))
		info, err := remote.Provision(ctx, def, opts.Overwrite)
		if err != nil {
			return reportSyncError(formatter, fmt.Sprintf("failed to provision scope %s", def.Name), err)
		}
		result.Scopes = append(result.Scopes, describeScope(info))
	}
	return formatter.Success(result)
}

// loadScopesForCommand loads the scopes of dir, keeping only name when it
// is set. Errors are printed and returned as ExitErrors.
func loadScopesForCommand(f *OutputFormatter, dir, name string) ([]model.ScopeDefinition, error) {
	result, loadErrs := LoadScopes(dir)
	if len(loadErrs) > 0 {
		first := loadErrs[0]
		if err := f.Error(first.Code, first.Error()); err != nil {
			return nil, err
		}
		code := ExitFailure
		if first.IsCommandError() {
			code = ExitCommandError
		}
		return nil, WrapExitError(code, "failed to load scopes", first)
	}
	f.VerboseLog("Loaded %d scope(s) from %d CUE and %d YAML file(s)", len(result.Scopes), result.CUEFiles, result.YAMLFiles)

	if name == "" {
		return result.Scopes, nil
	}
	def, ok := result.Scope(name)
	if !ok {
		msg := fmt.Sprintf("scope %q not found in %s", name, dir)
		if err := f.Error(ErrCodeNotFound, msg); err != nil {
			return nil, err
		}
		return nil, NewExitError(ExitCommandError, msg)
	}
	return []model.ScopeDefinition{def}, nil
}

func describeScope(info *model.ScopeInfo) ProvisionedScope {
	s := ProvisionedScope{
		Name:    info.Definition.Name,
		Version: info.Definition.Version,
		Hash:    info.Hash,
	}
	if s.Version == "" {
		s.Version = info.Hash
	}
	for _, t := range info.Definition.Tables {
		s.Tables = append(s.Tables, t.Name)
	}
	return s
}
