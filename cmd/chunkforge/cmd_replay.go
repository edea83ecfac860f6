package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/chunkforge/internal/replay"
)

var (
	exportOut    string
	exportStrict bool

	replayCmd = &cobra.Command{
		Use:   "replay <fixture.json>",
		Short: "Replay a recorded fixture through the chunk loop and check expectations",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	exportCmd = &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a stored session as a replay fixture",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
)

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output fixture path (required)")
	exportCmd.Flags().BoolVar(&exportStrict, "strict", false, "replay the fixture with strict monotonicity")
	_ = exportCmd.MarkFlagRequired("out")
	replayCmd.AddCommand(exportCmd)
}

// #region fixture-mode
func runReplay(cmd *cobra.Command, args []string) error {
	f, err := replay.LoadFixture(args[0])
	if err != nil {
		return err
	}
	results, summary, err := replay.Replay(cmd.Context(), f.SessionID, f.Params, f.ToChunks(), f.Config.ToReplayConfig())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Fixture: %s\n\n", f.Description)
	fmt.Fprintf(w, "%5s  %-7s  %-7s  %8s  %10s  %s\n", "Chunk", "Action", "Expect", "Warnings", "Violations", "Match")

	mismatches := 0
	for i, r := range results {
		expect, match := "-", true
		if i < len(f.ExpectedResults) {
			e := f.ExpectedResults[i]
			expect = e.Action
			match = e.Action == r.Action && e.Warnings == len(r.Warnings) && e.Violations == r.Violations
		}
		if !match {
			mismatches++
		}
		fmt.Fprintf(w, "%5d  %-7s  %-7s  %8d  %10d  %v\n", r.ChunkIndex, r.Action, expect, len(r.Warnings), r.Violations, match)
	}
	if len(results) != len(f.ExpectedResults) {
		mismatches++
		fmt.Fprintf(w, "\nexpected %d chunks, replayed %d\n", len(f.ExpectedResults), len(results))
	}

	fmt.Fprintf(w, "\nStatus: %s  Commits: %d  No-ops: %d  Warnings: %d  Violations: %d  Audit passed: %v\n",
		summary.Status, summary.Commits, summary.NoOps, summary.Warnings, summary.Violations, summary.Eval.Passed)
	if f.ExpectedStatus != "" && string(summary.Status) != f.ExpectedStatus {
		mismatches++
		fmt.Fprintf(w, "expected status %s\n", f.ExpectedStatus)
	}
	if mismatches > 0 {
		return fmt.Errorf("%d mismatches against fixture", mismatches)
	}
	return nil
}

// #endregion fixture-mode

// #region export
func runExport(cmd *cobra.Command, args []string) error {
	d, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	cps, err := d.store.List(args[0])
	if err != nil {
		return err
	}
	f, err := replay.ExportFixture("exported from session "+args[0], cps, exportStrict)
	if err != nil {
		return err
	}
	if err := f.Save(exportOut); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d chunks to %s\n", len(f.Chunks), exportOut)
	return nil
}

// #endregion export
