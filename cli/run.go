package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plover-labs/feedflow/nodes"
	"github.com/plover-labs/feedflow/pipeline"
)

// Exit codes returned to the shell.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
	exitTimeout      = 10
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <graphs-dir>",
		Short: "Serve one feed page from the command line",
		Long:  "Run executes a single feed request against a graph directory and prints the resulting page, without starting the HTTP server.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("db", "", "SQLite database path (default: in-memory store)")
	cmd.Flags().Int64P("user", "u", 0, "User id to serve (0 = anonymous)")
	cmd.Flags().IntP("count", "n", pipeline.DefaultCount, "Page size")
	cmd.Flags().String("graph", pipeline.DefaultGraph, "Graph id to run")
	cmd.Flags().String("scene", "feed", "Request scene")
	cmd.Flags().String("cursor", "", "Pagination cursor from a previous page")
	cmd.Flags().Bool("debug", false, "Include the run trace in the output")
	cmd.Flags().String("format", "pretty", "Output format: json | pretty")
	cmd.Flags().StringP("output", "o", "", "Write output to file (default: stdout)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	graphsDir := args[0]

	count, _ := cmd.Flags().GetInt("count")
	if count < 1 || count > pipeline.MaxCount {
		return exitError(exitValidation, "count must be between 1 and %d", pipeline.MaxCount)
	}

	dsn, _ := cmd.Flags().GetString("db")
	backend, err := openStore(dsn)
	if err != nil {
		return exitError(exitRuntime, "opening store: %v", err)
	}
	defer func() {
		_ = backend.Close()
	}()

	// Degradations and skipped definition files surface as warnings on
	// stderr; the page itself goes to stdout.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	runtime, err := pipeline.NewFromDirectory(graphsDir, pipeline.WithLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "graphs directory not found: %s", graphsDir)
		}
		return exitError(exitRuntime, "loading graphs: %v", err)
	}

	userID, _ := cmd.Flags().GetInt64("user")
	graphID, _ := cmd.Flags().GetString("graph")
	scene, _ := cmd.Flags().GetString("scene")
	cursor, _ := cmd.Flags().GetString("cursor")
	debug, _ := cmd.Flags().GetBool("debug")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	offset, seed := pipeline.ParseCursor(cursor)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := runtime.GetRecommendedItems(ctx, backend.Gateway(), pipeline.Request{
		UserID: userID,
		Count:  count,
		Offset: offset,
		Scene:  scene,
		Debug:  debug,
		Seed:   pipeline.SeedValue(seed),
		Graph:  graphID,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return exitError(exitTimeout, "run timed out after %s", timeout)
		}
		return exitError(exitRuntime, "run failed: %v", err)
	}

	page := runPage{
		Cursor: pipeline.NextCursor(offset, count, seed),
		Items:  res.Items,
	}
	if debug && res.Trace != nil {
		page.Trace = res.Trace.ToMap()
	}

	return writeRunOutput(cmd, page)
}

// runPage is the run command's output document.
type runPage struct {
	Cursor string           `json:"cursor"`
	Items  []nodes.FeedItem `json:"items"`
	Trace  map[string]any   `json:"trace,omitempty"`
}

// writeRunOutput formats and writes the served page.
func writeRunOutput(cmd *cobra.Command, page runPage) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	var output string
	switch format {
	case "json":
		data, err := json.MarshalIndent(page, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		output = string(data)
	case "pretty":
		output = formatPretty(page)
	default:
		return exitError(exitInputParse, "unknown format %q (use json or pretty)", format)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatPretty returns a human-readable summary of the page.
func formatPretty(page runPage) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("=== Items (%d) ===\n", len(page.Items)))
	for _, it := range page.Items {
		sb.WriteString(fmt.Sprintf("  %2d. [%s] %s  score=%.4f\n", it.Position, it.Type, it.ID, it.Score))
		if it.Reason != "" {
			sb.WriteString(fmt.Sprintf("      %s\n", it.Reason))
		}
	}
	sb.WriteString(fmt.Sprintf("\nNext cursor: %s\n", page.Cursor))

	if page.Trace != nil {
		sb.WriteString("\n=== Trace ===\n")
		if id, ok := page.Trace["trace_id"].(string); ok {
			sb.WriteString(fmt.Sprintf("  Trace ID: %s\n", id))
		}
		if global, ok := page.Trace["global"].(map[string]any); ok {
			if status, ok := global["status"].(string); ok {
				sb.WriteString(fmt.Sprintf("  Status: %s\n", status))
			}
		}
	}

	return sb.String()
}
