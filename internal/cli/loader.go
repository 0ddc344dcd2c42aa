package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"cuelang.org/go/cue/token"

	"github.com/roach88/rowsync/internal/compiler"
)

// LoadError represents an error that occurred while loading scope files.
type LoadError struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCommandError reports whether the error concerns the directory itself
// rather than the scopes it declares.
func (e *LoadError) IsCommandError() bool {
	switch e.Code {
	case ErrCodeScanError, ErrCodeNoFiles, ErrCodeNotFound:
		return true
	}
	return false
}

// LoadScopes compiles the scope files of dir and converts every error into
// a LoadError with a stable code. A nil result means the directory could
// not be read.
func LoadScopes(dir string) (*compiler.LoadResult, []*LoadError) {
	result, errs := compiler.LoadDir(dir)
	loadErrs := make([]*LoadError, 0, len(errs))
	for _, err := range errs {
		loadErrs = append(loadErrs, convertLoadError(dir, err))
	}
	return result, loadErrs
}

// convertLoadError converts a compiler error to a LoadError with position info.
func convertLoadError(dir string, err error) *LoadError {
	switch {
	case errors.Is(err, compiler.ErrNoScopeFiles):
		return &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no .cue or .yaml files found in %s", dir)}
	case errors.Is(err, fs.ErrNotExist):
		return &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("scope directory not found: %s", dir)}
	}

	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		code := compileErr.Code
		if code == "" {
			code = MapFieldToErrorCode(compileErr.Field)
		}
		return &LoadError{
			Code:    code,
			Field:   compileErr.Field,
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &LoadError{Code: ErrCodeScanError, Message: err.Error()}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants - unified across all CLI commands. Scope validation
// codes (E1xx) come from the compiler package.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No scope files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeReferences  = "E007" // Unknown table reference or reference cycle
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "load":
		return ErrCodeLoadFailed
	case "cue":
		return ErrCodeBuildFailed
	case "references":
		return ErrCodeReferences
	case "tables":
		return compiler.ErrScopeNoTables
	case "columns":
		return compiler.ErrTableNoPrimaryKey
	case "direction":
		return compiler.ErrInvalidDirection
	default:
		return ErrCodeGeneric
	}
}
