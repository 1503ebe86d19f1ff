package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/scene-rewriter/internal/config"
	"github.com/jonathan/scene-rewriter/internal/types"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show how the engine split a source version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, nil, func(ctx context.Context, _ io.Writer, sess *session) error {
			probe, err := sess.orch.Probe(ctx)
			if err != nil {
				return err
			}
			sess.printer.PrintProbe(probe)
			return nil
		})
	},
}

var planNotes string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Ask the engine which units a notes file touches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		override := func(changed changedFunc, cfg *config.Config) {
			if changed("notes") {
				cfg.Notes = planNotes
			}
		}
		return withSession(cmd, override, func(ctx context.Context, _ io.Writer, sess *session) error {
			in, err := loadNotes(sess.cfg)
			if err != nil {
				return err
			}
			plan, err := sess.orch.Plan(ctx, in.Notes)
			if err != nil {
				return err
			}
			sess.printer.PrintPlan(plan)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run of a source version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, nil, showStatus)
	},
}

func init() {
	planCmd.Flags().StringVarP(&planNotes, "notes", "n", "", "Path to a YAML or JSON notes file")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
}

// showStatus loads and prints the authoritative job set of the active run
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func showStatus(ctx context.Context, out io.Writer, sess *session) error {
	agg, err := sess.orch.LoadStatus(ctx)
	if err != nil {
		return err
	}
	runID := runIDOf(sess)
	if runID.IsZero() {
		ref := sess.orch.Source()
		fmt.Fprintf(out, "No active run for %s@%s\n", ref.SourceID, ref.SourceVersionID)
		return nil
	}

	snap := sess.orch.Snapshot()
	sess.printer.PrintStatus(runID, &types.StatusResponse{
		Total:                  agg.Total,
		Queued:                 agg.Queued,
		Running:                agg.Running,
		Done:                   agg.Done,
		Failed:                 agg.Failed,
		Jobs:                   snap.Jobs,
		OldestRunningClaimedAt: agg.OldestRunningClaimedAt,
	})
	return nil
}

// withSession resolves settings and the source version, opens a session, and runs fn
func withSession(cmd *cobra.Command, override func(changedFunc, *config.Config), fn func(ctx context.Context, out io.Writer, sess *session) error) error {
	cfg, err := loadSettings(cmd, override)
	if err != nil {
		return err
	}
	ref, err := sourceRef(cfg)
	if err != nil {
		return err
	}
	client, err := newEngineClient(cfg)
	if err != nil {
		return err
	}

	sess, err := openSession(cmd.Context(), cmd.OutOrStdout(), cfg, client, ref)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(cmd.Context(), cmd.OutOrStdout(), sess)
}
