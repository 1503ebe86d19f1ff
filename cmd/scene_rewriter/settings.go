package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/scene-rewriter/internal/activity"
	"github.com/jonathan/scene-rewriter/internal/config"
	"github.com/jonathan/scene-rewriter/internal/db"
	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/notes"
	"github.com/jonathan/scene-rewriter/internal/observability"
	"github.com/jonathan/scene-rewriter/internal/orchestrator"
	"github.com/jonathan/scene-rewriter/internal/runid"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// versionNamespace scopes source version IDs derived from file content
var versionNamespace = uuid.MustParse("6f1d3c2a-8b0e-4c55-9a8e-2f4b7d9c1e60")

// Identity store kinds for --identity-store
const (
	identityStoreFile     = "file"
	identityStorePostgres = "postgres"
)

var (
	configPath     string
	flagEngineURL  string
	flagToken      string
	flagTokenFile  string
	flagSourceID   string
	flagVersion    string
	flagSourceFile string
	flagIdentities string
	flagDBURL      string
	flagVerbose    bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	// Config file flag (processed first)
	pf.StringVar(&configPath, "config", "", "Path to config.json file (values can be overridden by other flags)")

	pf.StringVar(&flagEngineURL, "engine-url", "", "Rewrite engine base URL (defaults to REWRITER_ENGINE_URL or "+config.DefaultEngineURL+")")
	pf.StringVar(&flagToken, "token", "", "Session token (defaults to REWRITER_TOKEN)")
	pf.StringVar(&flagTokenFile, "token-file", "", "File holding the session token, re-read before every call")
	pf.StringVarP(&flagSourceID, "source", "s", "", "Source document ID")
	pf.StringVar(&flagVersion, "version", "", "Source version ID (derived from --file when omitted)")
	pf.StringVarP(&flagSourceFile, "file", "f", "", "Manuscript file; its content determines the source version")
	pf.StringVar(&flagIdentities, "identity-store", identityStoreFile, "Where run identities are kept: file or postgres")
	pf.StringVar(&flagDBURL, "db-url", "", "PostgreSQL connection URL (optional, defaults to DATABASE_URL env var)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Print the activity log as it is written")
}

// loadSettings merges the config file, explicit flags, the environment, and the defaults, in that
// priority order. override applies command-specific flags before validation.
func loadSettings(cmd *cobra.Command, override func(flags changedFunc, cfg *config.Config)) (config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}

	// Only override if the flag was explicitly set
	changed := cmd.Flags().Changed
	if changed("engine-url") {
		cfg.EngineURL = flagEngineURL
	}
	if changed("token") {
		cfg.Token, cfg.TokenFile = flagToken, ""
	}
	if changed("token-file") {
		cfg.Token, cfg.TokenFile = "", flagTokenFile
	}
	if changed("source") {
		cfg.SourceID = flagSourceID
	}
	if changed("db-url") {
		cfg.DatabaseURL = flagDBURL
	}
	if changed("verbose") {
		cfg.Verbose = flagVerbose
	}
	if override != nil {
		override(changed, &cfg)
	}

	cfg.ApplyEnv(os.Getenv)
	merged := cfg.MergeWithDefaults(config.Defaults())
	if err := merged.Validate(); err != nil {
		return config.Config{}, err
	}
	return merged, nil
}

// changedFunc reports whether a flag was set on the command line
type changedFunc func(name string) bool

// versionOf derives a stable source version ID from manuscript content
func versionOf(content []byte) string {
	return uuid.NewSHA1(versionNamespace, content).String()
}

// sourceRef resolves the source version the command operates on
func sourceRef(cfg config.Config) (types.SourceRef, error) {
	if cfg.SourceID == "" {
		return types.SourceRef{}, fmt.Errorf("source ID is required (--source or source_id in the config file)")
	}
	ref := types.SourceRef{SourceID: cfg.SourceID, SourceVersionID: flagVersion}
	if ref.SourceVersionID != "" {
		return ref, nil
	}
	if flagSourceFile == "" {
		return types.SourceRef{}, fmt.Errorf("source version is required (--version, or --file to derive it)")
	}
	content, err := os.ReadFile(flagSourceFile)
	if err != nil {
		return types.SourceRef{}, fmt.Errorf("failed to read source file: %w", err)
	}
	ref.SourceVersionID = versionOf(content)
	return ref, nil
}

// sourceFormat picks the import format from the file extension
func sourceFormat(path string) types.SourceFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm", ".xhtml":
		return types.FormatHTML
	default:
		return types.FormatText
	}
}

// loadNotes reads the configured notes file into a run input
func loadNotes(cfg config.Config) (orchestrator.RunInput, error) {
	in := orchestrator.RunInput{Selective: cfg.Selective}
	if cfg.Notes == "" {
		return in, fmt.Errorf("a notes file is required (--notes or notes in the config file)")
	}
	file, err := notes.LoadFile(cfg.Notes)
	if err != nil {
		return in, err
	}
	in.Notes = file.Notes
	in.Protected = file.Protected
	in.Selective = in.Selective || file.Selective
	return in, nil
}

func tokenSource(cfg config.Config) (engine.TokenSource, error) {
	if cfg.TokenFile != "" {
		return engine.FileToken(cfg.TokenFile, nil), nil
	}
	token, err := cfg.SessionToken()
	if err != nil {
		return nil, err
	}
	return engine.StaticToken(token), nil
}

func newEngineClient(cfg config.Config) (*engine.HTTPClient, error) {
	tokens, err := tokenSource(cfg)
	if err != nil {
		return nil, err
	}
	return engine.NewHTTPClient(cfg.EngineURL, tokens,
		engine.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second)), nil
}

// session is an orchestrator wired to its engine, identity store, and output
type session struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	printer *observability.Printer
	closers []func()
}

// Close releases the identity store
func (s *session) Close() {
	for _, fn := range s.closers {
		fn()
	}
}

// openSession builds the orchestrator for one source version
func openSession(ctx context.Context, out io.Writer, cfg config.Config, client engine.Client, ref types.SourceRef, extra ...orchestrator.Option) (*session, error) {
	s := &session{cfg: cfg, printer: observability.NewPrinter(out)}

	store, err := identityStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() }); ok {
		s.closers = append(s.closers, closer.Close)
	}

	logOpts := []activity.Option{}
	if cfg.ActivityLog != "" {
		logOpts = append(logOpts, activity.WithMirror(cfg.ActivityLog))
	}
	if cfg.Verbose {
		logOpts = append(logOpts, activity.WithListener(func(e activity.Entry) {
			s.printer.PrintActivity([]activity.Entry{e})
		}))
	}
	activityLog, err := activity.New(logOpts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}

	ids := runid.NewManager(store, client)
	ids.OnLookupError(func(stage runid.Source, err error) {
		activityLog.Warn(string(orchestrator.PhaseIdle), "run identity lookup in %s failed: %v", stage, err)
	})

	opts := []orchestrator.Option{
		orchestrator.WithRunIDManager(ids),
		orchestrator.WithActivityLog(activityLog),
		orchestrator.WithStrategy(types.Strategy(cfg.Strategy)),
		orchestrator.WithMaxExpansions(cfg.ExpansionBudget()),
		orchestrator.WithMaxTransientErrors(cfg.MaxTransientErrors),
		orchestrator.WithStuckMinutes(cfg.StuckMinutes),
		orchestrator.WithBackoff(orchestrator.ExponentialBackoff(orchestrator.DefaultDelay, 30*time.Second)),
		orchestrator.WithCallTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second),
		orchestrator.OnNotify(func(n orchestrator.Notice) {
			s.printer.PrintNotice(&n)
		}),
	}
	s.orch = orchestrator.New(client, ref, append(opts, extra...)...)
	return s, nil
}

// identityStore opens the side-channel that keeps run identities across restarts
func identityStore(ctx context.Context, cfg config.Config) (runid.Store, error) {
	switch flagIdentities {
	case identityStoreFile, "":
		return runid.NewFileStore(cfg.RunStateFile), nil
	case identityStorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("--identity-store=postgres needs --db-url or DATABASE_URL")
		}
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return closingStore{RunIdentityStore: database.RunIdentities(), db: database}, nil
	default:
		return nil, fmt.Errorf("unknown identity store %q (want file or postgres)", flagIdentities)
	}
}

// closingStore closes the pool behind a Postgres identity store
type closingStore struct {
	*db.RunIdentityStore
	db *db.DB
}

func (s closingStore) Close() {
	s.db.Close()
}
