package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"relator/api/internal/app"
	"relator/api/internal/config"
	"relator/api/internal/schema"
)

var (
	definitionsDir string
	maxRuns        int
	historyAt      string
	historyHash    string

	// loadConfig is replaced in tests.
	loadConfig = config.Load

	rootCmd = &cobra.Command{
		Use:           "relatorctl",
		Short:         "Operate the relator association pipeline and node history",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	drainCmd = &cobra.Command{
		Use:   "drain",
		Short: "Run the association task executor until the queue stops making progress",
		Args:  cobra.NoArgs,
		RunE:  runDrain,
	}

	detailsCmd = &cobra.Command{
		Use:   "details [definition file]",
		Short: "Print the association details and ignored history paths of a definition file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetails,
	}

	historyCmd = &cobra.Command{
		Use:   "history [type] [id]",
		Short: "Print a node as it was at a point in time or at a version hash",
		Args:  cobra.ExactArgs(2),
		RunE:  runHistory,
	}

	archiveCmd = &cobra.Command{
		Use:   "archive [type] [id]",
		Short: "Export the diff log of a node to the history archive bucket",
		Args:  cobra.ExactArgs(2),
		RunE:  runArchive,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&definitionsDir, "definitions", "", "apply definition files from this directory first")
	drainCmd.Flags().IntVar(&maxRuns, "max-runs", 0, "stop after this many executor runs (0 = until idle)")
	historyCmd.Flags().StringVar(&historyAt, "at", "", "RFC3339 instant (default now)")
	historyCmd.Flags().StringVar(&historyHash, "hash", "", "version hash to rebuild instead of an instant")

	rootCmd.AddCommand(drainCmd, detailsCmd, historyCmd, archiveCmd)
}

// openRuntime wires the process without self-invocation: relatorctl drives
// the executor itself.
func openRuntime(ctx context.Context) (*app.Runtime, error) {
	rt, err := app.Wire(ctx, loadConfig(), app.WireOptions{}, slog.Default())
	if err != nil {
		return nil, err
	}
	if definitionsDir != "" {
		if err := rt.SeedDefinitions(ctx, definitionsDir); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func runDrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := rt.Executor.Drain(ctx, maxRuns)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	pending, err := rt.Queue.Pending(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if stats.Locked {
		fmt.Fprintln(out, "another executor holds the lock")
	}
	fmt.Fprintf(out, "loaded=%d done=%d discarded=%d deferred=%d failed=%d pending=%d\n",
		stats.Loaded, stats.Done, stats.Discarded, stats.Deferred, stats.Failed, pending)
	return nil
}

func runDetails(cmd *cobra.Command, args []string) error {
	def, err := schema.LoadFile(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"name":               def.Name,
		"associationDetails": schema.ExtractAssociationDetails(def),
		"ignoreHistory":      schema.IgnoreHistoryPaths(def),
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	at := time.Now()
	if historyAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, historyAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		at = parsed
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	node, err := rt.Service.NodeAt(ctx, args[0], args[1], at, historyHash)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), node)
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.Archive == nil {
		return errors.New("history archive is not configured (set ARCHIVE_ENDPOINT)")
	}
	key, err := rt.Archive.Export(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
