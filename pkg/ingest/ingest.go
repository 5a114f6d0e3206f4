// Package ingest turns uploaded test reports into persisted runs, test
// cases and executions.
package ingest

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/junit"
	"github.com/ethpandaops/flakeoor/pkg/storage"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Result summarizes a successful ingestion.
type Result struct {
	RunID         uint `json:"run_id"`
	TestsIngested int  `json:"tests_ingested"`
}

// Service ingests test reports.
type Service interface {
	// ParseReport decodes a report without persisting anything.
	ParseReport(data []byte) ([]junit.NormalizedExecution, error)

	// Ingest parses data and, in a single transaction, resolves the run
	// and test cases and appends one execution per test-case element.
	// explicitRunID selects an existing run; when nil a new run is
	// created from md.
	Ingest(
		ctx context.Context,
		data []byte,
		explicitRunID *uint,
		md RunMetadata,
	) (*Result, error)
}

// Options configures a Service.
type Options struct {
	Defaults      RunDefaults
	FileExtension string

	// Archive, when set, receives a copy of every successfully ingested
	// report under ArchivePrefix.
	Archive       storage.Writer
	ArchivePrefix string
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log    logrus.FieldLogger
	store  store.Store
	parser *junit.Parser
	opts   Options
}

// NewService creates a new ingestion Service.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	opts Options,
) Service {
	return &service{
		log:    log.WithField("component", "ingest"),
		store:  st,
		parser: junit.NewParser(opts.FileExtension),
		opts:   opts,
	}
}

// ParseReport decodes data into normalized executions.
func (s *service) ParseReport(data []byte) ([]junit.NormalizedExecution, error) {
	return s.parser.Parse(data)
}

// Ingest persists a report atomically.
func (s *service) Ingest(
	ctx context.Context,
	data []byte,
	explicitRunID *uint,
	md RunMetadata,
) (*Result, error) {
	start := time.Now()

	if len(data) == 0 {
		return nil, ErrEmptyReport
	}

	records, err := s.parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}

	var result Result

	err = s.store.Transaction(ctx, func(tx store.Store) error {
		run, err := ResolveRun(ctx, tx, explicitRunID, md, s.opts.Defaults)
		if err != nil {
			return err
		}

		for i := range records {
			rec := &records[i]

			tc, err := ResolveTestCase(
				ctx, s.log, tx, rec.IdentityKey, rec.Suite, rec.FilePath,
			)
			if err != nil {
				return err
			}

			if err := tx.AppendExecution(ctx, &store.Execution{
				RunID:            run.ID,
				TestCaseID:       tc.ID,
				Outcome:          string(rec.Outcome),
				DurationSec:      rec.DurationSec,
				ErrorFingerprint: rec.ErrorFingerprint,
				ErrorMessage:     rec.ErrorMessage,
				FailureKind:      rec.FailureKind,
			}); err != nil {
				return err
			}
		}

		result = Result{RunID: run.ID, TestsIngested: len(records)}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingesting report: %w", err)
	}

	s.archive(ctx, result.RunID, data)

	s.log.WithFields(logrus.Fields{
		"run_id":         result.RunID,
		"tests_ingested": result.TestsIngested,
		"duration":       time.Since(start).Round(time.Millisecond),
	}).Info("Report ingested")

	return &result, nil
}

type skipArchiveKey struct{}

// WithoutArchive returns a context under which Ingest does not archive the
// report. The importer uses it for reports that already live in storage.
func WithoutArchive(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipArchiveKey{}, true)
}

func archiveSkipped(ctx context.Context) bool {
	skip, _ := ctx.Value(skipArchiveKey{}).(bool)

	return skip
}

// archive stores the raw report. The ingestion is already committed, so
// failures are only logged.
func (s *service) archive(ctx context.Context, runID uint, data []byte) {
	if s.opts.Archive == nil || archiveSkipped(ctx) {
		return
	}

	key := ArchiveKey(s.opts.ArchivePrefix, runID, time.Now().UTC())

	if err := s.opts.Archive.Put(ctx, key, data); err != nil {
		s.log.WithError(err).
			WithField("key", key).
			Warn("Failed to archive report")
	}
}

// ArchiveKey returns the storage key for a report archived at t:
// {prefix}/runs/{runID}/{unixnano}.xml.
func ArchiveKey(prefix string, runID uint, t time.Time) string {
	return path.Join(
		prefix, "runs", strconv.FormatUint(uint64(runID), 10),
		strconv.FormatInt(t.UnixNano(), 10)+".xml",
	)
}
