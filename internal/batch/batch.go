// Package batch slices selected rows into bounded, persisted parts.
//
// A batch is a directory holding a manifest and one file per part. Each
// part carries the rows of a single table, at most Size of them, and parts
// are applied in the order they were written. A part is written to disk
// before the next one is filled, so a selection is never held in memory
// as a whole.
//
// Layout under the batch root:
//
//	<batch-id>/manifest.json
//	<batch-id>/<table>_<ordinal>.batch
//	<scope>_<scope-id>_ERRORS/<table>_<ordinal>_ERROR.batch
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"regexp"

	"github.com/roach88/rowsync/internal/model"
)

// DefaultSize is the default number of rows per part.
const DefaultSize = 1000

const (
	manifestFile = "manifest.json"
	partExt      = ".batch"
	errorMarker  = "_ERROR"
	errorsSuffix = "_ERRORS"
)

// PartInfo describes one part file of a batch.
type PartInfo struct {
	Ordinal int    `json:"ordinal"`
	Table   string `json:"table"`
	File    string `json:"file"`
	Rows    int    `json:"rows"`
}

// Info is the manifest of a batch.
type Info struct {
	ID string `json:"id"`

	// Timestamp is the session timestamp the rows were selected at.
	Timestamp int64 `json:"timestamp"`

	Parts    []PartInfo `json:"parts"`
	RowCount int        `json:"row_count"`
}

// Tables returns the distinct tables of the batch in part order.
func (i Info) Tables() []string {
	var tables []string
	seen := map[string]bool{}
	for _, p := range i.Parts {
		if !seen[p.Table] {
			seen[p.Table] = true
			tables = append(tables, p.Table)
		}
	}
	return tables
}

// Batch is a batch directory on disk.
type Batch struct {
	Dir  string
	Info Info
}

// Open reads the manifest of the batch stored in dir.
func Open(dir string) (*Batch, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("open batch %s: %w", dir, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("open batch %s: %w", dir, err)
	}
	return &Batch{Dir: dir, Info: info}, nil
}

// Part reads one part from disk.
func (b *Batch) Part(p PartInfo) (Part, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, p.File))
	if err != nil {
		return Part{}, fmt.Errorf("read part %s: %w", p.File, err)
	}
	return DecodePart(data)
}

// PartByOrdinal reads the part with the given ordinal.
func (b *Batch) PartByOrdinal(ordinal int) (Part, error) {
	for _, p := range b.Info.Parts {
		if p.Ordinal == ordinal {
			return b.Part(p)
		}
	}
	return Part{}, fmt.Errorf("batch %s has no part %d: %w", b.Info.ID, ordinal, fs.ErrNotExist)
}

// Parts reads the parts in order, one at a time.
func (b *Batch) Parts() iter.Seq2[Part, error] {
	return b.PartsOf(nil)
}

// PartsOf reads the parts of the listed tables, ordered by position in
// tables and then by ordinal. A nil tables reads every part in order.
func (b *Batch) PartsOf(tables []string) iter.Seq2[Part, error] {
	return func(yield func(Part, error) bool) {
		var infos []PartInfo
		if tables == nil {
			infos = b.Info.Parts
		} else {
			for _, t := range tables {
				for _, p := range b.Info.Parts {
					if p.Table == t {
						infos = append(infos, p)
					}
				}
			}
		}
		for _, info := range infos {
			part, err := b.Part(info)
			if err != nil {
				yield(Part{}, err)
				return
			}
			if !yield(part, nil) {
				return
			}
		}
	}
}

// Rows reads every row of the batch in part order.
func (b *Batch) Rows() ([]model.SyncRow, error) {
	var rows []model.SyncRow
	for part, err := range b.Parts() {
		if err != nil {
			return nil, err
		}
		rows = append(rows, part.SyncRows()...)
	}
	return rows, nil
}

// Remove deletes the batch directory.
func (b *Batch) Remove() error {
	return os.RemoveAll(b.Dir)
}

// WriteManifest persists info as the manifest of dir.
func WriteManifest(dir string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// WritePart persists one part into dir and returns its descriptor.
func WritePart(dir string, p Part, failed bool) (PartInfo, error) {
	data, err := EncodePart(p)
	if err != nil {
		return PartInfo{}, err
	}
	name := PartFileName(p.Table, p.Ordinal, failed)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return PartInfo{}, fmt.Errorf("write part %s: %w", name, err)
	}
	return PartInfo{Ordinal: p.Ordinal, Table: p.Table, File: name, Rows: len(p.Rows)}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// PartFileName names a part file: <table>_<ordinal>.batch, or
// <table>_<ordinal>_ERROR.batch for failed rows.
func PartFileName(table string, ordinal int, failed bool) string {
	name := fmt.Sprintf("%s_%d", unsafeChars.ReplaceAllString(table, "_"), ordinal)
	if failed {
		name += errorMarker
	}
	return name + partExt
}

// ErrorsDirName names the directory holding the failed rows of a scope as
// seen by one peer.
func ErrorsDirName(scope, scopeID string) string {
	return unsafeChars.ReplaceAllString(scope, "_") + "_" + unsafeChars.ReplaceAllString(scopeID, "_") + errorsSuffix
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
