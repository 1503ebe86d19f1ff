package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/scene-rewriter/internal/config"
	"github.com/jonathan/scene-rewriter/internal/db"
	"github.com/jonathan/scene-rewriter/internal/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the engine's database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		database, err := connectDB(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := database.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)
		return nil
	},
}

var (
	tokenAccount string
	tokenOut     string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for an account",
	Long:  `Signs a session token with JWT_SECRET. The engine accepts it until JWT_EXPIRATION_HOURS have passed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		jwtConfig, err := config.NewJWTConfig()
		if err != nil {
			return err
		}
		token, err := server.NewJWTService(jwtConfig).GenerateToken(tokenAccount)
		if err != nil {
			return err
		}

		if tokenOut == "" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}
		if err := os.WriteFile(tokenOut, []byte(token+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write token: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote a %d-hour token for %s to %s\n", jwtConfig.ExpirationHours, tokenAccount, tokenOut)
		return nil
	},
}

var (
	creditsAccount string
	creditsSet     int
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show or set the rewrite credits of an account",
	Long:  `Accounts without a balance are unmetered. --set gives the account a balance, which claim_next draws down.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		database, err := connectDB(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		out := cmd.OutOrStdout()
		if cmd.Flags().Changed("set") {
			if err := database.SetCredits(cmd.Context(), creditsAccount, creditsSet); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s now has %d credits\n", creditsAccount, creditsSet)
			return nil
		}

		balance, metered, err := database.Credits(cmd.Context(), creditsAccount)
		if err != nil {
			return err
		}
		if !metered {
			_, _ = fmt.Fprintf(out, "%s is unmetered\n", creditsAccount)
			return nil
		}
		_, _ = fmt.Fprintf(out, "%s has %d credits\n", creditsAccount, balance)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAccount, "account", "", "Account the token authenticates")
	tokenCmd.Flags().StringVarP(&tokenOut, "out", "o", "", "Write the token to this file instead of stdout")
	_ = tokenCmd.MarkFlagRequired("account")

	creditsCmd.Flags().StringVar(&creditsAccount, "account", "", "Account to inspect")
	creditsCmd.Flags().IntVar(&creditsSet, "set", 0, "New credit balance")
	_ = creditsCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(creditsCmd)
}

// connectDB opens the engine database named by --db-url or DATABASE_URL
func connectDB(cmd *cobra.Command) (*db.DB, error) {
	cfg, err := loadSettings(cmd, nil)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable (or --db-url) is required")
	}
	return db.Connect(cmd.Context(), cfg.DatabaseURL)
}
