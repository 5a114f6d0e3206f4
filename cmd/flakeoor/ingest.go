package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethpandaops/flakeoor/pkg/api"
	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/gotest"
	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	formatJUnit  = "junit"
	formatGoTest = "go-test"
)

var (
	ingestRunID   uint
	ingestFormat  string
	ingestPackage string
	ingestMeta    ingest.RunMetadata
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <report>...",
	Short: "Ingest report files",
	Long: `Ingest one or more report files. Each file becomes a new run unless
--run-id names an existing run. Use --format go-test to ingest the output
of "go test -v" directly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.UintVar(&ingestRunID, "run-id", 0, "ingest into an existing run")
	f.StringVar(&ingestFormat, "format", formatJUnit, "report format (junit, go-test)")
	f.StringVar(&ingestPackage, "package", "", "package name for go-test output without a result line")
	f.StringVar(&ingestMeta.Provider, "provider", "", "CI provider")
	f.StringVar(&ingestMeta.Workflow, "workflow", "", "workflow name")
	f.StringVar(&ingestMeta.Repo, "repo", "", "repository")
	f.StringVar(&ingestMeta.Branch, "branch", "", "branch")
	f.StringVar(&ingestMeta.CommitSHA, "commit", "", "commit SHA")
	f.StringVar(&ingestMeta.RunExternalID, "external-id", "", "CI provider's run ID")
	f.StringVar(&ingestMeta.Status, "status", "", "run status")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestFormat != formatJUnit && ingestFormat != formatGoTest {
		return fmt.Errorf("unsupported format %q", ingestFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
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

	var runID *uint
	if cmd.Flags().Changed("run-id") {
		runID = &ingestRunID
	}

	for _, path := range args {
		data, err := readReport(path, ingestFormat, ingestPackage)
		if err != nil {
			return err
		}

		res, err := svc.Ingest(ctx, data, runID, ingestMeta)
		if err != nil {
			return fmt.Errorf("ingesting %s (%s): %w", path, ingest.Kind(err), err)
		}

		log.WithFields(logrus.Fields{
			"file":           path,
			"run_id":         res.RunID,
			"tests_ingested": res.TestsIngested,
		}).Info("Ingested report")
	}

	return nil
}

// readReport reads a report file, converting `go test` output to JUnit XML
// when format is go-test. Output without test results is an empty report.
func readReport(path, format, pkgName string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if format != formatGoTest {
		return data, nil
	}

	var buf bytes.Buffer
	if err := gotest.Convert(bytes.NewReader(data), pkgName, &buf); err != nil {
		if errors.Is(err, gotest.ErrNoTests) {
			return nil, fmt.Errorf("converting %s: %w: %w", path, ingest.ErrEmptyReport, err)
		}

		return nil, fmt.Errorf("converting %s: %w", path, err)
	}

	return buf.Bytes(), nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	st := store.NewStore(log, &cfg)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}
