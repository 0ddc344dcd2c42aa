package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationIssue is one problem found in a scope directory.
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Scopes []string          `json:"scopes,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scope-dir>",
		Short: "Validate scope definitions without touching a database",
		Long: `Compile the .cue and .yaml scope definitions of a directory and report
every invalid scope: missing primary keys, duplicate names, unknown
directions, incomplete filters, unknown references and reference cycles.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, scopeDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result, loadErrs := LoadScopes(scopeDir)

	// Handle directory errors (not found, no files, etc.)
	if result == nil && len(loadErrs) > 0 {
		return outputValidateError(formatter, loadErrs[0].Code, loadErrs[0].Message)
	}

	formatter.VerboseLog("Found %d CUE and %d YAML file(s) in %s", result.CUEFiles, result.YAMLFiles, scopeDir)

	var names []string
	for _, s := range result.Scopes {
		formatter.VerboseLog("Scope %s: %d table(s)", s.Name, len(s.Tables))
		names = append(names, s.Name)
	}

	if len(loadErrs) > 0 {
		issues := make([]ValidationIssue, 0, len(loadErrs))
		for _, e := range loadErrs {
			issue := ValidationIssue{Code: e.Code, Field: e.Field, Message: e.Message}
			if e.Pos.IsValid() {
				issue.File = e.Pos.Filename()
				issue.Line = e.Pos.Line()
			}
			issues = append(issues, issue)
		}
		return outputValidationErrors(formatter, names, issues)
	}

	return outputValidateSuccess(formatter, names)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, scopes []string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Scopes: scopes})
	}

	fmt.Fprintf(formatter.Writer, "✓ All scopes valid (%d)\n", len(scopes))
	return nil
}

// outputValidateError outputs a single directory error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message)
	// Directory errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(formatter *OutputFormatter, scopes []string, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Scopes: scopes, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		if issue.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", issue.Code, issue.Field, issue.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
		}
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
