package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/rowsync/internal/model"
)

// ErrNoScopeFiles is returned when a directory holds no .cue or .yaml file.
var ErrNoScopeFiles = errors.New("no scope files found")

// LoadResult contains the scopes compiled from a directory.
type LoadResult struct {
	Scopes    []model.ScopeDefinition
	CUEFiles  int
	YAMLFiles int
}

// Scope returns the scope called name.
func (r *LoadResult) Scope(name string) (model.ScopeDefinition, bool) {
	for _, s := range r.Scopes {
		if s.Name == name {
			return s, true
		}
	}
	return model.ScopeDefinition{}, false
}

// LoadDir compiles the scopes of dir: the CUE package made of its .cue
// files, then each .yaml/.yml file. Errors of individual scopes are all
// collected; a nil result means the directory itself could not be read.
func LoadDir(dir string) (*LoadResult, []error) {
	cueFiles, yamlFiles, err := findScopeFiles(dir)
	if err != nil {
		return nil, []error{err}
	}
	if len(cueFiles) == 0 && len(yamlFiles) == 0 {
		return nil, []error{fmt.Errorf("%w in %s", ErrNoScopeFiles, dir)}
	}

	result := &LoadResult{CUEFiles: len(cueFiles), YAMLFiles: len(yamlFiles)}
	var errs []error

	if len(cueFiles) > 0 {
		defs, cueErrs := loadCUE(dir)
		result.Scopes = append(result.Scopes, defs...)
		errs = append(errs, cueErrs...)
	}

	for _, path := range yamlFiles {
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", path, err))
			continue
		}
		defs, err := DecodeYAML(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		result.Scopes = append(result.Scopes, defs...)
	}

	seen := make(map[string]bool, len(result.Scopes))
	for _, s := range result.Scopes {
		if seen[s.Name] {
			errs = append(errs, &CompileError{Field: "scope", Message: fmt.Sprintf("scope %q is declared twice", s.Name)})
		}
		seen[s.Name] = true
	}
	return result, errs
}

func loadCUE(dir string) ([]model.ScopeDefinition, []error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&CompileError{Field: "load", Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&CompileError{Field: "load", Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}

	scopesVal := value.LookupPath(cue.ParsePath("scope"))
	if !scopesVal.Exists() {
		return nil, []error{&CompileError{Field: "scope", Message: "no scopes declared", Pos: value.Pos()}}
	}
	iter, err := scopesVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var (
		defs []model.ScopeDefinition
		errs []error
	)
	for iter.Next() {
		def, err := CompileScope(iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, *def)
	}
	return defs, errs
}

func findScopeFiles(dir string) (cueFiles, yamlFiles []string, err error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scope directory: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read scope directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch filepath.Ext(e.Name()) {
		case ".cue":
			cueFiles = append(cueFiles, path)
		case ".yaml", ".yml":
			yamlFiles = append(yamlFiles, path)
		}
	}
	sort.Strings(yamlFiles)
	return cueFiles, yamlFiles, nil
}
