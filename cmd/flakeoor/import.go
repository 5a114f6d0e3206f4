package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethpandaops/flakeoor/pkg/api"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run one import pass over configured storage",
	Long: `Ingest every report file in the storage discovery paths that has not
been imported before, then exit.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Storage.Configured() {
		return fmt.Errorf("no storage backend configured")
	}

	ctx := cmd.Context()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	svc, err := api.NewIngestService(log, cfg, st)
	if err != nil {
		return err
	}

	imp, err := api.NewImporter(log, cfg, st, svc)
	if err != nil {
		return err
	}

	sum, err := imp.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("importing reports: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(sum)
}
