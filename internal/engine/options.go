package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/cleanup"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/retry"
	"github.com/roach88/rowsync/internal/scope"
)

// Options configures an Agent or a RemoteOrchestrator.
type Options struct {
	// BatchDir holds the batches of this peer. Peers sharing a machine
	// need distinct directories.
	BatchDir string

	// SnapshotDir holds server snapshots. Empty uses BatchDir/snapshots.
	SnapshotDir string

	// BatchSize is the maximum number of rows per batch part.
	BatchSize int

	TransactionMode model.TransactionMode
	ConflictPolicy  model.ConflictPolicy
	ErrorPolicy     model.ErrorAction

	// DisableConstraints defers constraint checks while applying and
	// resetting tables.
	DisableConstraints bool

	// CleanupEverySessions runs metadata cleanup every this many sessions.
	// Zero disables it.
	CleanupEverySessions int

	// Retryer retries transient store and transport failures.
	Retryer retry.Retryer

	Interceptors *interceptor.Registry
	Logger       *slog.Logger

	// Now is the wall clock used for session times and records.
	Now func() time.Time

	// IDs generates owner and batch ids.
	IDs scope.IDGenerator
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		BatchDir:             filepath.Join(os.TempDir(), "rowsync"),
		BatchSize:            batch.DefaultSize,
		TransactionMode:      model.TransactionAllOrNothing,
		ConflictPolicy:       model.PolicyServerWins,
		ErrorPolicy:          model.ErrorThrow,
		CleanupEverySessions: cleanup.DefaultEverySessions,
		Retryer:              retry.NewBackoff(),
		Logger:               slog.Default(),
		Now:                  time.Now,
		IDs:                  scope.UUIDv7Generator{},
	}
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Interceptors == nil {
		o.Interceptors = interceptor.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.IDs == nil {
		o.IDs = scope.UUIDv7Generator{}
	}
	return o
}

// WithOptions replaces every option at once.
func WithOptions(o Options) Option {
	return func(dst *Options) { *dst = o }
}

// WithBatchDir sets the batch directory.
func WithBatchDir(dir string) Option {
	return func(o *Options) { o.BatchDir = dir }
}

// WithSnapshotDir sets the snapshot directory.
func WithSnapshotDir(dir string) Option {
	return func(o *Options) { o.SnapshotDir = dir }
}

// WithBatchSize sets the number of rows per batch part.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

// WithTransactionMode sets the apply transaction mode.
func WithTransactionMode(m model.TransactionMode) Option {
	return func(o *Options) { o.TransactionMode = m }
}

// WithConflictPolicy sets the default conflict resolution policy.
func WithConflictPolicy(p model.ConflictPolicy) Option {
	return func(o *Options) { o.ConflictPolicy = p }
}

// WithErrorPolicy sets the default error resolution policy.
func WithErrorPolicy(a model.ErrorAction) Option {
	return func(o *Options) { o.ErrorPolicy = a }
}

// WithDisableConstraints defers constraint checks while applying.
func WithDisableConstraints(disable bool) Option {
	return func(o *Options) { o.DisableConstraints = disable }
}

// WithCleanupEvery sets the number of sessions between metadata cleanups.
func WithCleanupEvery(sessions int) Option {
	return func(o *Options) { o.CleanupEverySessions = sessions }
}

// WithRetryer sets the retry strategy for transient failures.
func WithRetryer(r retry.Retryer) Option {
	return func(o *Options) { o.Retryer = r }
}

// WithInterceptors sets the handler registry.
func WithInterceptors(r *interceptor.Registry) Option {
	return func(o *Options) { o.Interceptors = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithNow sets the wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithIDGenerator sets the id generator.
func WithIDGenerator(g scope.IDGenerator) Option {
	return func(o *Options) { o.IDs = g }
}
