package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/model"
)

// peer is an opened database with the engine options from configuration.
type peer struct {
	path    string
	db      *sqlite.Adapter
	options []engine.Option
	logger  *slog.Logger
}

func (p *peer) Close() {
	if err := p.db.Close(); err != nil {
		p.logger.Error("error closing database", "path", p.path, "error", err)
	}
}

// addDatabaseFlag registers --db on cmd.
func addDatabaseFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "db", "", "path to the SQLite database (default: the database config key)")
}

// addScopeFlag registers the required --scope flag on cmd.
func addScopeFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "scope", "", "scope name (required)")
	_ = cmd.MarkFlagRequired("scope")
}

// openPeer opens the database named by dbFlag, or by the configuration when
// dbFlag is empty. Batches live next to the database unless batch.dir is
// configured, so that error batches survive between runs.
func openPeer(opts *RootOptions, dbFlag string, cmd *cobra.Command) (*peer, error) {
	cfg, logger, err := opts.Settings(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	path := dbFlag
	if path == "" {
		path = cfg.Database
	}
	engineOpts, err := cfg.EngineOptions(logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid engine configuration", err)
	}
	if cfg.Batch.Dir == "" {
		engineOpts = append(engineOpts, engine.WithBatchDir(path+".batches"))
	}

	logger.Debug("opening database", "path", path)
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return &peer{path: path, db: db, options: engineOpts, logger: logger}, nil
}

// parseParams parses repeated key=value flags into filter parameters.
// Integer values become int64 so that they compare equal to INTEGER
// columns; everything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			params[key] = n
			continue
		}
		params[key] = value
	}
	return params, nil
}

// errorCode names err for CLI output: its SyncError code when it has one.
func errorCode(err error) string {
	if code := model.CodeOf(err); code != "" {
		return string(code)
	}
	return string(model.ErrCodeInternal)
}

// reportSyncError prints err and converts it into an ExitFailure.
func reportSyncError(f *OutputFormatter, message string, err error) error {
	if outErr := f.Error(errorCode(err), fmt.Sprintf("%s: %v", message, err)); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, message, err)
}
