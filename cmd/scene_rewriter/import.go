package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a manuscript file as a source version",
	Long: `Uploads the manuscript given by --file to the engine. The source version ID is derived from the file
content unless --version is set, so importing the same file twice is a no-op.`,
	RunE: runImport,
}

var importFormat string

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "Source format: text or html (default from the file extension)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd, nil)
	if err != nil {
		return err
	}
	if flagSourceFile == "" {
		return fmt.Errorf("--file is required")
	}
	ref, err := sourceRef(cfg)
	if err != nil {
		return err
	}
	client, err := newEngineClient(cfg)
	if err != nil {
		return err
	}

	format := types.SourceFormat(importFormat)
	if format == "" {
		format = sourceFormat(flagSourceFile)
	}
	return importSource(cmd.Context(), cmd.OutOrStdout(), client, ref, flagSourceFile, format)
}

// importSource uploads path as ref and reports how the engine split it
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func importSource(ctx context.Context, out io.Writer, client engine.Client, ref types.SourceRef, path string, format types.SourceFormat) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	resp, err := client.PutSource(ctx, types.PutSourceRequest{SourceRef: ref, Content: string(content), Format: format})
	if err != nil {
		return fmt.Errorf("failed to import %s: %s", path, engine.UserMessage(err))
	}

	fmt.Fprintf(out, "Imported %s as %s@%s\n", path, ref.SourceID, ref.SourceVersionID)
	fmt.Fprintf(out, "  %d chars in %d units\n", resp.ContentSize, resp.UnitCount)
	return nil
}
