package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/eval"
	"github.com/danielpatrickdp/chunkforge/internal/replay"
)

var (
	inspectJSON   bool
	inspectChunk  int
	inspectLog    bool
	inspectVerify bool

	inspectCmd = &cobra.Command{
		Use:   "inspect [session-id]",
		Short: "List sessions, or show one session's checkpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
)

func init() {
	f := inspectCmd.Flags()
	f.BoolVar(&inspectJSON, "json", false, "output as JSON instead of a table")
	f.IntVar(&inspectChunk, "chunk", 0, "show one checkpoint in detail")
	f.BoolVar(&inspectLog, "log", false, "print the session log")
	f.BoolVar(&inspectVerify, "verify", false, "re-apply the stored deltas and compare snapshots")
}

// #region inspect
func runInspect(cmd *cobra.Command, args []string) error {
	d, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	w := cmd.OutOrStdout()

	if len(args) == 0 {
		return runSessionList(w, d.store)
	}
	sessionID := args[0]
	cps, err := d.store.List(sessionID)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		return fmt.Errorf("session %s has no checkpoints", sessionID)
	}

	switch {
	case inspectLog:
		entries, err := d.log.List(sessionID)
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(w, entries)
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  chunk %-3d %-5s %-24s %s\n",
				e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.ChunkIndex, e.Level, e.Code, e.Message)
		}
		return nil
	case inspectVerify:
		rep, err := replay.Verify(cps)
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(w, rep)
		}
		fmt.Fprintf(w, "verified %d chunks of %s: %d mismatches\n", rep.Chunks, rep.SessionID, len(rep.Mismatches))
		for _, m := range rep.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
		if !rep.OK() {
			return fmt.Errorf("session %s does not reproduce from its deltas", sessionID)
		}
		return nil
	case inspectChunk > 0:
		for _, cp := range cps {
			if cp.ChunkIndex == inspectChunk {
				return printDetail(w, cp)
			}
		}
		return fmt.Errorf("session %s has no chunk %d", sessionID, inspectChunk)
	}
	return printCheckpoints(w, cps)
}

// #endregion inspect

// #region list-mode

type sessionRow struct {
	SessionID string `json:"session_id"`
	Chunks    int    `json:"chunks"`
	Words     int    `json:"words"`
	Target    int    `json:"target_words"`
	Audit     string `json:"audit"`
	Updated   string `json:"updated"`
}

func runSessionList(w io.Writer, store checkpoint.Writer) error {
	ids, err := store.Sessions()
	if err != nil {
		return err
	}
	harness := eval.NewEvalHarness(eval.DefaultEvalConfig())
	rows := make([]sessionRow, 0, len(ids))
	for _, id := range ids {
		cps, err := store.List(id)
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			continue
		}
		last := cps[len(cps)-1]
		audit := "ok"
		if res := harness.Run(cps); !res.Passed {
			audit = res.Reason
		}
		rows = append(rows, sessionRow{
			SessionID: id,
			Chunks:    len(cps),
			Words:     last.CumulativeWordCount,
			Target:    last.Snapshot.UserParams.TargetWords,
			Audit:     audit,
			Updated:   last.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Updated > rows[j].Updated })

	if inspectJSON {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no sessions found")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %6s  %11s  %-20s  %s\n", "Session", "Chunks", "Words", "Updated", "Audit")
	for _, r := range rows {
		fmt.Fprintf(w, "%-36s  %6d  %5d/%-5d  %-20s  %s\n", r.SessionID, r.Chunks, r.Words, r.Target, r.Updated, r.Audit)
	}
	return nil
}

func printCheckpoints(w io.Writer, cps []checkpoint.Checkpoint) error {
	if inspectJSON {
		return printJSON(w, replay.Results(cps))
	}
	fmt.Fprintf(w, "%5s  %6s  %10s  %-7s  %7s  %8s  %s\n", "Chunk", "Words", "Cumulative", "Action", "Changes", "Warnings", "Created")
	for i, r := range replay.Results(cps) {
		fmt.Fprintf(w, "%5d  %6d  %10d  %-7s  %7d  %8d  %s\n",
			r.ChunkIndex, cps[i].ChunkWordCount, r.CumulativeWords, r.Action,
			len(r.ChangesApplied), len(r.Warnings), cps[i].CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	res := eval.NewEvalHarness(eval.DefaultEvalConfig()).Run(cps)
	fmt.Fprintf(w, "\nAudit: passed=%v\n", res.Passed)
	for _, issue := range res.Issues {
		fmt.Fprintf(w, "  %s\n", issue)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

func printDetail(w io.Writer, cp checkpoint.Checkpoint) error {
	if inspectJSON {
		return printJSON(w, cp)
	}
	st := cp.Snapshot
	fmt.Fprintf(w, "Session:    %s\n", cp.SessionID)
	fmt.Fprintf(w, "Chunk:      %d (protocol v%d)\n", cp.ChunkIndex, cp.ProtocolVersion)
	fmt.Fprintf(w, "Words:      %d (cumulative %d of %d)\n", cp.ChunkWordCount, cp.CumulativeWordCount, st.UserParams.TargetWords)
	fmt.Fprintf(w, "Created:    %s\n", cp.CreatedAt.Format("2006-01-02T15:04:05Z"))

	fmt.Fprintf(w, "\nDelta:\n%s", indent(delta.Render(cp.Delta)))
	if len(cp.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings:\n")
		for _, wn := range cp.Warnings {
			fmt.Fprintf(w, "  %s\n", wn)
		}
	}

	fmt.Fprintf(w, "\nRules:\n")
	for _, r := range st.Rules {
		fmt.Fprintf(w, "  %-8s violated=%-5v x%d  %s\n", r.ID, r.Violated, r.ViolationCount, r.Text)
	}
	fmt.Fprintf(w, "Timeline:   %d commitments\n", len(st.Timeline))
	fmt.Fprintf(w, "Flags:      %d   Capabilities: %d   Facts: %d\n",
		len(st.IrreversibleFlags), len(st.Capabilities), len(st.WorldFacts))
	fmt.Fprintf(w, "\nProse:\n%s\n", indent(cp.Prose))
	return nil
}

// #endregion detail-mode

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
