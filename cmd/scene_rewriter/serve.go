package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/scene-rewriter/internal/config"
	"github.com/jonathan/scene-rewriter/internal/server"
)

var (
	servePort   int
	serveMemory bool
	serveAPIKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reference rewrite engine",
	Long: `Start an HTTP server that exposes the engine actions under /v1/actions/{action}, backed by PostgreSQL
(or process memory with --memory) and the Gemini model.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "Keep engine state in memory instead of PostgreSQL")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Gemini API Key (optional, defaults to GEMINI_API_KEY env var)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd, func(changed changedFunc, cfg *config.Config) {
		if changed("port") {
			cfg.Port = servePort
		}
		if changed("api-key") {
			cfg.APIKey = serveAPIKey
		}
	})
	if err != nil {
		return err
	}

	if !serveMemory && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable (or --db-url) is required unless --memory is set")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	srv, err := server.New(server.Config{
		Port:        cfg.Port,
		DatabaseURL: cfg.DatabaseURL,
		InMemory:    serveMemory,
		APIKey:      cfg.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(cmd.Context())
}
