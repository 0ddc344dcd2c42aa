package batch

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/roach88/rowsync/internal/model"
)

// snapshotPrefix marks batch ids that resolve to the snapshot directory.
const snapshotPrefix = "snapshot-"

var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Manager owns the batch directories of one peer.
type Manager struct {
	root         string
	snapshotRoot string
	size         int
	logger       *slog.Logger
}

// NewManager returns a manager storing batches under root and snapshots
// under snapshotRoot. An empty snapshotRoot uses root/snapshots.
func NewManager(root, snapshotRoot string, size int, logger *slog.Logger) *Manager {
	if size < 1 {
		size = DefaultSize
	}
	if snapshotRoot == "" {
		snapshotRoot = filepath.Join(root, "snapshots")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, snapshotRoot: snapshotRoot, size: size, logger: logger}
}

// Size returns the maximum number of rows per part.
func (m *Manager) Size() int {
	return m.size
}

// Dir returns the directory of a batch id.
func (m *Manager) Dir(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid batch id %q", id)
	}
	if name, ok := strings.CutPrefix(id, snapshotPrefix); ok {
		return filepath.Join(m.snapshotRoot, name), nil
	}
	return filepath.Join(m.root, id), nil
}

// Write drains rows into a new batch. When selection or persistence fails
// the partial batch is removed and nothing is returned.
func (m *Manager) Write(ctx context.Context, id string, timestamp int64, rows iter.Seq2[model.SyncRow, error]) (*Batch, error) {
	dir, err := m.Dir(id)
	if err != nil {
		return nil, err
	}
	return m.write(ctx, dir, id, timestamp, rows)
}

func (m *Manager) write(ctx context.Context, dir, id string, timestamp int64, rows iter.Seq2[model.SyncRow, error]) (*Batch, error) {
	w, err := NewWriter(dir, id, m.size, timestamp)
	if err != nil {
		return nil, err
	}
	for row, err := range rows {
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = w.Add(row)
		}
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("write batch %s: %w", id, err)
		}
	}
	b, err := w.Close()
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("write batch %s: %w", id, err)
	}
	m.logger.Debug("batch written", "batch", id, "parts", len(b.Info.Parts), "rows", b.Info.RowCount)
	return b, nil
}

// Open opens a stored batch.
func (m *Manager) Open(id string) (*Batch, error) {
	dir, err := m.Dir(id)
	if err != nil {
		return nil, err
	}
	return Open(dir)
}

// Receive stores a part arriving from a peer into batch id.
func (m *Manager) Receive(id string, p Part) (PartInfo, error) {
	dir, err := m.Dir(id)
	if err != nil {
		return PartInfo{}, err
	}
	if strings.HasPrefix(id, snapshotPrefix) {
		return PartInfo{}, fmt.Errorf("batch %s is read-only", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PartInfo{}, fmt.Errorf("create batch dir: %w", err)
	}
	return WritePart(dir, p, false)
}

// Seal writes the manifest of a received batch, making it readable.
func (m *Manager) Seal(info Info) (*Batch, error) {
	dir, err := m.Dir(info.ID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	for _, p := range info.Parts {
		ok, err := exists(filepath.Join(dir, p.File))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("batch %s: part %d was not received", info.ID, p.Ordinal)
		}
	}
	if err := WriteManifest(dir, info); err != nil {
		return nil, err
	}
	return &Batch{Dir: dir, Info: info}, nil
}

// Release removes a batch once its consumer is done with it. Snapshots are
// shared and never released.
func (m *Manager) Release(id string) error {
	if strings.HasPrefix(id, snapshotPrefix) {
		return nil
	}
	dir, err := m.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("release batch %s: %w", id, err)
	}
	return nil
}

// SaveErrors replaces the ERROR batch of (scope, scopeID) with rows.
// An empty rows removes it.
func (m *Manager) SaveErrors(scope, scopeID string, rows []model.SyncRow) error {
	dir := filepath.Join(m.root, ErrorsDirName(scope, scopeID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear error batch: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	w, err := newErrorWriter(dir, ErrorsDirName(scope, scopeID), m.size)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Add(row); err != nil {
			w.Abort()
			return fmt.Errorf("save error batch: %w", err)
		}
	}
	if _, err := w.Close(); err != nil {
		w.Abort()
		return fmt.Errorf("save error batch: %w", err)
	}
	m.logger.Info("error batch saved", "scope", scope, "scope_id", scopeID, "rows", len(rows))
	return nil
}

// LoadErrors opens the ERROR batch of (scope, scopeID), or returns nil when
// there is none.
func (m *Manager) LoadErrors(scope, scopeID string) (*Batch, error) {
	dir := filepath.Join(m.root, ErrorsDirName(scope, scopeID))
	ok, err := exists(filepath.Join(dir, manifestFile))
	if err != nil || !ok {
		return nil, err
	}
	return Open(dir)
}

// ClearErrors removes the ERROR batch of (scope, scopeID).
func (m *Manager) ClearErrors(scope, scopeID string) error {
	return m.SaveErrors(scope, scopeID, nil)
}
