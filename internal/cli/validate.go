package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rillflow/rill/internal/config"
)

// ValidationResult holds validation results for JSON output.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	File    string `json:"file"`
	Streams int    `json:"streams,omitempty"`
	Queries int    `json:"queries,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definitions-file>",
		Short: "Validate a definition document without running it",
		Long: `Validate a YAML definition document: schema conformance against the
embedded CUE schema, then full compilation (name resolution, filter
expressions, pattern plan checks).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(fmt.Sprintf("cannot read %s", path), err.Error())
		return WrapExitError(ExitCommandError, "definitions file not found", err)
	}

	doc, err := config.Load(path)
	if err != nil {
		return outputInvalid(formatter, path, err)
	}
	formatter.VerboseLog("Parsed %d stream(s), %d quer(ies) from %s", len(doc.Streams), len(doc.Queries), path)

	if _, err := config.Compile(doc); err != nil {
		return outputInvalid(formatter, path, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:   true,
			File:    path,
			Streams: len(doc.Streams),
			Queries: len(doc.Queries),
		})
	}
	fmt.Fprintf(formatter.Writer, "✓ %s: %d stream(s), %d quer(ies)\n", path, len(doc.Streams), len(doc.Queries))
	return nil
}

func outputInvalid(formatter *OutputFormatter, path string, err error) error {
	if formatter.Format == "json" {
		_ = formatter.Error("validation failed", ValidationResult{Valid: false, File: path, Detail: err.Error()})
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %s\n%v\n", path, err)
	}
	return WrapExitError(ExitFailure, "validation failed", err)
}
