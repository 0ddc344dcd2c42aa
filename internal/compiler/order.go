package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/model"
)

// orderTables returns the tables with every referenced table placed before
// the tables referencing it. Unrelated tables keep their declared order.
//
// Apply walks tables in this order for upserts and in reverse for deletes,
// so parents exist before children are inserted and children are gone
// before parents are deleted.
func orderTables(specs []tableSpec) ([]model.Table, error) {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.table.Name] = i
	}
	for _, s := range specs {
		for _, ref := range s.references {
			if _, ok := index[ref]; !ok {
				return nil, &CompileError{
					Field:   "references",
					Message: fmt.Sprintf("table %q references unknown table %q", s.table.Name, ref),
					Pos:     s.pos,
				}
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(specs))
	ordered := make([]model.Table, 0, len(specs))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return cycleError(specs[i], path)
		}
		state[i] = visiting
		path = append(path, specs[i].table.Name)
		for _, ref := range specs[i].references {
			if ref == specs[i].table.Name {
				// Self references are allowed (tree tables); they do not
				// constrain the order between tables.
				continue
			}
			if err := visit(index[ref]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[i] = done
		ordered = append(ordered, specs[i].table)
		return nil
	}

	for i := range specs {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func cycleError(at tableSpec, path []string) error {
	start := 0
	for i, name := range path {
		if name == at.table.Name {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), at.table.Name)
	return &CompileError{
		Field:   "references",
		Message: "reference cycle: " + strings.Join(cycle, " -> "),
		Pos:     at.pos,
	}
}
