// Package main provides the scene_rewriter CLI: the rewrite-job orchestrator and the reference engine server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scene_rewriter",
	Short: "Resumable scene-by-scene manuscript rewriting",
	Long: `scene_rewriter drives a remote rewrite engine through a manuscript one scene (or chunk) at a time.

Runs survive restarts: the run identity is persisted as soon as jobs are registered, so an interrupted
run resumes where it stopped. The same binary can serve the reference engine (scene_rewriter serve).`,
	SilenceUsage: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
