package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/scene-rewriter/internal/config"
	"github.com/jonathan/scene-rewriter/internal/orchestrator"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// progressInterval is how often the run command prints a status line
const progressInterval = time.Second

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Rewrite a source version end to end",
	Long: `Probes the source, plans the scope (with --selective), registers the jobs, processes them one at a time,
verifies selective rewrites with bounded scope expansion, and assembles the final artifact.

An interrupted run resumes from the engine's job set when the command is repeated.`,
	RunE: runRewriteCmd,
}

var (
	runNotes         string
	runSelective     bool
	runStrategy      string
	runMaxExpansions int
	runActivityLog   string
)

func init() {
	runCommand.Flags().StringVarP(&runNotes, "notes", "n", "", "Path to a YAML or JSON notes file")
	runCommand.Flags().BoolVar(&runSelective, "selective", false, "Rewrite only the units the scope planner selects")
	runCommand.Flags().StringVar(&runStrategy, "strategy", "", "Splitting strategy: auto, scene, or chunk")
	runCommand.Flags().IntVar(&runMaxExpansions, "max-expansions", config.DefaultMaxExpansions, "Automatic scope expansions after failed verification (0 to 3, 0 disables)")
	runCommand.Flags().StringVar(&runActivityLog, "activity-log", "", "Mirror the activity log to this file")

	rootCmd.AddCommand(runCommand)
}

func runRewriteCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd, func(changed changedFunc, cfg *config.Config) {
		if changed("notes") {
			cfg.Notes = runNotes
		}
		if changed("selective") {
			cfg.Selective = runSelective
		}
		if changed("strategy") {
			cfg.Strategy = runStrategy
		}
		if changed("max-expansions") {
			cfg.MaxExpansions = config.Int(runMaxExpansions)
		}
		if changed("activity-log") {
			cfg.ActivityLog = runActivityLog
		}
	})
	if err != nil {
		return err
	}
	ref, err := sourceRef(cfg)
	if err != nil {
		return err
	}
	in, err := loadNotes(cfg)
	if err != nil {
		return err
	}
	client, err := newEngineClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, cmd.OutOrStdout(), cfg, client, ref)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = executeRun(ctx, cmd.OutOrStdout(), sess, in)
	return err
}

// executeRun drives one full run while printing progress, then reports the outcome
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func executeRun(ctx context.Context, out io.Writer, sess *session, in orchestrator.RunInput) (orchestrator.PipelineState, error) {
	done := make(chan struct{})
	var final orchestrator.PipelineState

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		state, err := sess.orch.Run(gctx, in)
		final = state
		return err
	})
	g.Go(func() error {
		watchProgress(gctx, done, sess)
		return nil
	})
	err := g.Wait()

	sess.printer.PrintProgress(final)
	sess.printer.PrintPlan(final.Plan)
	sess.printer.PrintVerification(final.Verification)
	sess.printer.PrintAssembled(final.Assembled)

	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(out, "Interrupted. Repeat the command to resume the run.")
		return final, err
	case err != nil:
		return final, err
	case final.Notice != nil:
		return final, fmt.Errorf("run stopped: %s", final.Notice.Message)
	case final.Phase != orchestrator.PhaseComplete:
		return final, fmt.Errorf("run ended in phase %s", final.Phase)
	case final.Assembled == nil:
		fmt.Fprintf(out, "All %d units are done. Assemble the artifact once verification passes.\n", final.Aggregate.Done)
	}
	return final, nil
}

// watchProgress prints a status line whenever the snapshot moves, until done closes
func watchProgress(ctx context.Context, done <-chan struct{}, sess *session) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
		state := sess.orch.Snapshot()
		if state.Phase != orchestrator.PhaseProcessing {
			continue
		}
		line := sess.printer.ProgressLine(state)
		if line != last {
			sess.printer.PrintProgress(state)
			last = line
		}
	}
}

// runIDOf returns the resolved run of a session, if any
func runIDOf(sess *session) types.RunID {
	return sess.orch.Snapshot().RunID
}
