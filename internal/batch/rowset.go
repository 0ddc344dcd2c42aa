package batch

import (
	"iter"

	"github.com/roach88/rowsync/internal/model"
)

// RowSet serves rows held in memory the way a Batch serves its parts:
// consecutive rows of the same table form one part.
type RowSet []model.SyncRow

// PartsOf yields the parts of the listed tables, ordered by position in
// tables. A nil tables yields every part in row order.
func (s RowSet) PartsOf(tables []string) iter.Seq2[Part, error] {
	return func(yield func(Part, error) bool) {
		parts := s.parts()
		if tables == nil {
			for _, p := range parts {
				if !yield(p, nil) {
					return
				}
			}
			return
		}
		for _, t := range tables {
			for _, p := range parts {
				if p.Table == t && !yield(p, nil) {
					return
				}
			}
		}
	}
}

func (s RowSet) parts() []Part {
	var parts []Part
	for _, row := range s {
		if n := len(parts); n == 0 || parts[n-1].Table != row.Table {
			parts = append(parts, Part{Table: row.Table, Ordinal: n})
		}
		last := &parts[len(parts)-1]
		last.Rows = append(last.Rows, PartRow{State: row.State, Values: row.Values})
	}
	return parts
}
