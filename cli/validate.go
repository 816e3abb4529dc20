package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plover-labs/feedflow/graph"
	"github.com/plover-labs/feedflow/loader"
	"github.com/plover-labs/feedflow/registry"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a graph definition without serving it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	def, err := loader.Load(filePath)

	var diags []graph.Diagnostic
	var diagErr *loader.DiagnosticError
	switch {
	case err == nil:
		// The loader only fails on error-severity diagnostics; re-run
		// validation so warnings still reach the report.
		diags = def.ValidateWithRegistry(registry.Global())
	case errors.As(err, &diagErr):
		diags = diagErr.Diagnostics
	case errors.Is(err, os.ErrNotExist):
		return exitError(exitFileNotFound, "file not found: %s", filePath)
	default:
		diags = []graph.Diagnostic{{
			Code:     "DG-000",
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("Failed to parse file: %v", err),
		}}
	}

	// Print diagnostics in the requested format.
	printValidateDiagnostics(out, diags, format)

	// Determine exit code.
	hasErrs := graph.HasErrors(diags)
	hasWarns := len(graph.Warnings(diags)) > 0

	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}

	return nil
}

// printValidateDiagnostics writes diagnostics to the writer in the requested
// format, followed by a summary line (for text format).
func printValidateDiagnostics(w io.Writer, diags []graph.Diagnostic, format string) {
	if format == "json" {
		printDiagnosticsJSON(w, diags)
		return
	}
	printDiagnosticsText(w, diags)
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary.
func printDiagnosticsText(w io.Writer, diags []graph.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := graph.Errors(diags)
	warns := graph.Warnings(diags)

	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0 && len(warns) > 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []graph.Diagnostic) {
	// Output an empty array rather than null when there are no diagnostics.
	if diags == nil {
		diags = []graph.Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
