package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

var (
	runParams     state.UserParams
	runParamsFile string
	runSessionID  string
	runOut        string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Generate a session in the foreground",
		RunE:  runRun,
	}
	resumeCmd = &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a session from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runParams.Premise, "premise", "", "story premise")
	f.StringVar(&runParams.Setting, "setting", "", "story setting")
	f.StringVar(&runParams.Narrator, "narrator", "", "narrator description")
	f.IntVar(&runParams.TargetWords, "target-words", 3000, "total words to generate")
	f.IntVar(&runParams.ChunkWords, "chunk-words", 500, "words requested per chunk")
	f.IntVar(&runParams.RuleCount, "rules", 3, "number of seeded rules")
	f.IntVar(&runParams.MaxChunks, "max-chunks", 0, "chunk ceiling (0 derives it from the target)")
	f.StringVar(&runParamsFile, "params", "", "YAML file with params (overrides flags)")
	f.StringVar(&runSessionID, "session", "", "session id (default: random)")
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringVarP(&runOut, "out", "o", "", "write the prose to a file instead of stdout")
	}
}

// #region run
func runRun(cmd *cobra.Command, args []string) error {
	params := runParams
	if runParamsFile != "" {
		data, err := os.ReadFile(runParamsFile)
		if err != nil {
			return fmt.Errorf("read params: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
	}
	sessionID := runSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return foreground(cmd, func(o *orchestrator.Orchestrator, cmd *cobra.Command) orchestrator.Outcome {
		return o.Run(cmd.Context(), sessionID, params)
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	return foreground(cmd, func(o *orchestrator.Orchestrator, cmd *cobra.Command) orchestrator.Outcome {
		return o.Resume(cmd.Context(), args[0])
	})
}

// foreground runs one session to a terminal status. SIGINT cancels the loop
// between chunks, leaving the session resumable.
func foreground(cmd *cobra.Command, run func(*orchestrator.Orchestrator, *cobra.Command) orchestrator.Outcome) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	d, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	orch, err := d.orchestrator(cfg)
	if err != nil {
		return err
	}

	out := run(orch, cmd)
	logger.Info("session done",
		slog.String("session_id", out.SessionID),
		slog.String("status", string(out.Status)),
		slog.Int("chunks", len(out.Checkpoints)),
		slog.Int("words", out.CumulativeWords()),
		slog.Int("warnings", out.Warnings))

	if out.Prose != "" {
		if runOut != "" {
			if err := os.WriteFile(runOut, []byte(out.Prose+"\n"), 0o644); err != nil {
				return fmt.Errorf("write prose: %w", err)
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), out.Prose)
		}
	}
	switch out.Status {
	case orchestrator.StatusComplete:
		return nil
	case orchestrator.StatusCancelled:
		fmt.Fprintf(cmd.ErrOrStderr(), "cancelled; resume with: chunkforge resume %s\n", out.SessionID)
		return nil
	default:
		return fmt.Errorf("session %s %s: %w", out.SessionID, out.Status, out.Err)
	}
}

// #endregion run
