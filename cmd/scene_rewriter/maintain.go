package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/scene-rewriter/internal/config"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Put the failed jobs of the active run back on the queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, nil, func(ctx context.Context, out io.Writer, sess *session) error {
			reset, err := sess.orch.RetryFailed(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Reset %d failed jobs. Repeat the run command to process them.\n", reset)
			return nil
		})
	},
}

var requeueMinutes int

var requeueStuckCmd = &cobra.Command{
	Use:   "requeue-stuck",
	Short: "Requeue jobs that have been running too long",
	RunE: func(cmd *cobra.Command, _ []string) error {
		override := func(changed changedFunc, cfg *config.Config) {
			if changed("minutes") {
				cfg.StuckMinutes = requeueMinutes
			}
		}
		return withSession(cmd, override, func(ctx context.Context, out io.Writer, sess *session) error {
			requeued, err := sess.orch.RequeueStuck(ctx, sess.cfg.StuckMinutes)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Requeued %d jobs running longer than %d minutes.\n", requeued, sess.cfg.StuckMinutes)
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the locally remembered run of a source version",
	Long: `Clears the persisted run identity so the next run registers a fresh batch. Jobs already queued on the
engine are left alone; an active run there is still found and resumed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, nil, func(ctx context.Context, out io.Writer, sess *session) error {
			if err := sess.orch.Reset(ctx); err != nil {
				return err
			}
			ref := sess.orch.Source()
			_, _ = fmt.Fprintf(out, "Forgot the run of %s@%s.\n", ref.SourceID, ref.SourceVersionID)
			return nil
		})
	},
}

func init() {
	requeueStuckCmd.Flags().IntVar(&requeueMinutes, "minutes", 0, "Running time after which a job counts as stuck")

	rootCmd.AddCommand(retryFailedCmd)
	rootCmd.AddCommand(requeueStuckCmd)
	rootCmd.AddCommand(resetCmd)
}
