package batch

import (
	"fmt"
	"os"

	"github.com/roach88/rowsync/internal/model"
)

// Writer fills parts of at most size rows and flushes each one to disk
// before starting the next. A new part starts whenever the table changes.
type Writer struct {
	dir    string
	size   int
	failed bool

	info    Info
	current *Part
}

// NewWriter creates dir and returns a writer for the batch id.
// A size below one uses DefaultSize.
func NewWriter(dir, id string, size int, timestamp int64) (*Writer, error) {
	if size < 1 {
		size = DefaultSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	return &Writer{
		dir:  dir,
		size: size,
		info: Info{ID: id, Timestamp: timestamp},
	}, nil
}

// newErrorWriter writes failed rows, naming parts with the ERROR marker.
func newErrorWriter(dir, id string, size int) (*Writer, error) {
	w, err := NewWriter(dir, id, size, 0)
	if err != nil {
		return nil, err
	}
	w.failed = true
	return w, nil
}

// Add appends a row, flushing the current part when it is full or when the
// row belongs to another table.
func (w *Writer) Add(row model.SyncRow) error {
	if w.current != nil && (w.current.Table != row.Table || len(w.current.Rows) >= w.size) {
		if err := w.flush(); err != nil {
			return err
		}
	}
	if w.current == nil {
		w.current = &Part{Table: row.Table, Ordinal: len(w.info.Parts)}
	}
	w.current.Rows = append(w.current.Rows, PartRow{State: row.State, Values: row.Values})
	return nil
}

func (w *Writer) flush() error {
	if w.current == nil || len(w.current.Rows) == 0 {
		w.current = nil
		return nil
	}
	info, err := WritePart(w.dir, *w.current, w.failed)
	if err != nil {
		return err
	}
	w.info.Parts = append(w.info.Parts, info)
	w.info.RowCount += info.Rows
	w.current = nil
	return nil
}

// Close flushes the last part and writes the manifest.
func (w *Writer) Close() (*Batch, error) {
	if err := w.flush(); err != nil {
		return nil, err
	}
	if err := WriteManifest(w.dir, w.info); err != nil {
		return nil, err
	}
	return &Batch{Dir: w.dir, Info: w.info}, nil
}

// Abort removes everything written so far.
func (w *Writer) Abort() {
	os.RemoveAll(w.dir)
}
