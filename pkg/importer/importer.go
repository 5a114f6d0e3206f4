// Package importer ingests report files discovered in configured storage.
package importer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/ethpandaops/flakeoor/pkg/storage"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of reports ingested in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// Importer is a background service that periodically scans storage and
// ingests report files it has not seen before.
type Importer interface {
	Start(ctx context.Context) error
	Stop() error

	// RunOnce performs a single pass over all discovery paths.
	RunOnce(ctx context.Context) (*Summary, error)
}

// Summary counts what one pass did.
type Summary struct {
	Discovered int64 `json:"discovered"`
	Ingested   int64 `json:"ingested"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
}

// Options configures an Importer.
type Options struct {
	Interval    time.Duration
	Concurrency int

	// Provider is recorded on every run created by the importer.
	Provider string
}

// Compile-time interface check.
var _ Importer = (*importer)(nil)

type importer struct {
	log    logrus.FieldLogger
	store  store.Store
	reader storage.Reader
	ingest ingest.Service
	opts   Options
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewImporter creates a new background importer.
func NewImporter(
	log logrus.FieldLogger,
	st store.Store,
	reader storage.Reader,
	svc ingest.Service,
	opts Options,
) Importer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	return &importer{
		log:    log.WithField("component", "importer"),
		store:  st,
		reader: reader,
		ingest: svc,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate pass and
// then ticks at the configured interval.
func (im *importer) Start(ctx context.Context) error {
	if im.opts.Interval <= 0 {
		return fmt.Errorf("import interval must be positive, got %s", im.opts.Interval)
	}

	im.log.WithFields(logrus.Fields{
		"interval":    im.opts.Interval.String(),
		"concurrency": im.opts.Concurrency,
	}).Info("Starting importer")

	im.wg.Add(1)

	go func() {
		defer im.wg.Done()

		im.runPass(ctx)

		ticker := time.NewTicker(im.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				im.runPass(ctx)
			case <-im.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the importer goroutine to stop and waits for it.
func (im *importer) Stop() error {
	close(im.done)
	im.wg.Wait()

	im.log.Info("Importer stopped")

	return nil
}

func (im *importer) runPass(ctx context.Context) {
	if _, err := im.RunOnce(ctx); err != nil {
		im.log.WithError(err).Warn("Import pass failed")
	}
}

// RunOnce imports every new report below every discovery path. A failing
// discovery path is logged and does not stop the others.
func (im *importer) RunOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()
	paths := im.reader.DiscoveryPaths()

	var sum counters

	for _, dp := range paths {
		if err := ctx.Err(); err != nil {
			return sum.summary(), err
		}

		if err := im.importDiscoveryPath(ctx, dp, &sum); err != nil {
			im.log.WithError(err).
				WithField("discovery_path", dp).
				Warn("Import failed for discovery path")
		}
	}

	result := sum.summary()

	im.log.WithFields(logrus.Fields{
		"discovery_paths": len(paths),
		"discovered":      result.Discovered,
		"ingested":        result.Ingested,
		"failed":          result.Failed,
		"duration":        time.Since(start).Round(time.Millisecond),
	}).Info("Import pass completed")

	return result, nil
}

type counters struct {
	discovered, ingested, failed, skipped atomic.Int64
}

func (c *counters) summary() *Summary {
	return &Summary{
		Discovered: c.discovered.Load(),
		Ingested:   c.ingested.Load(),
		Failed:     c.failed.Load(),
		Skipped:    c.skipped.Load(),
	}
}

func (im *importer) importDiscoveryPath(
	ctx context.Context, dp string, sum *counters,
) error {
	keys, err := im.reader.ListReports(ctx, dp)
	if err != nil {
		return fmt.Errorf("listing reports: %w", err)
	}

	seen, err := im.store.ListImportedReportKeys(ctx, dp)
	if err != nil {
		return fmt.Errorf("listing imported reports: %w", err)
	}

	seenSet := make(map[string]struct{}, len(seen))
	for _, k := range seen {
		seenSet[k] = struct{}{}
	}

	var pending []string

	for _, k := range keys {
		if _, ok := seenSet[k]; ok {
			continue
		}

		pending = append(pending, k)
	}

	sum.discovered.Add(int64(len(keys)))
	sum.skipped.Add(int64(len(keys) - len(pending)))

	dpLog := im.log.WithField("discovery_path", dp)

	dpLog.WithFields(logrus.Fields{
		"reports": len(keys),
		"new":     len(pending),
	}).Debug("Scanning discovery path")

	if len(pending) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(im.opts.Concurrency)

	for _, key := range pending {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-im.done:
				return nil
			default:
			}

			ingested, err := im.importReport(gCtx, dp, key)
			if err != nil {
				dpLog.WithError(err).
					WithField("key", key).
					Warn("Failed to import report")

				return nil //nolint:nilerr // log and retry next pass
			}

			if ingested {
				sum.ingested.Add(1)
			} else {
				sum.failed.Add(1)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("importing reports: %w", err)
	}

	return nil
}

// importReport ingests one report and records the outcome. It returns
// false when the report itself was rejected. Errors are transient
// (storage or database) and leave the report unrecorded so the next pass
// retries it.
func (im *importer) importReport(
	ctx context.Context, dp, key string,
) (bool, error) {
	data, err := im.reader.GetReport(ctx, dp, key)
	if err != nil {
		return false, fmt.Errorf("reading report: %w", err)
	}

	if data == nil {
		return false, fmt.Errorf("report %s vanished", key)
	}

	record := &store.ImportedReport{
		DiscoveryPath: dp,
		ReportKey:     key,
		ImportedAt:    time.Now().UTC(),
	}

	res, err := im.ingest.Ingest(ingest.WithoutArchive(ctx), data, nil, ingest.RunMetadata{
		Provider:      im.opts.Provider,
		Workflow:      dp,
		RunExternalID: key,
	})

	switch kind := ingest.Kind(err); kind {
	case "":
		record.Status = store.ImportStatusIngested
		record.RunID = &res.RunID
	case ingest.KindMalformedReport, ingest.KindEmptyReport:
		record.Status = store.ImportStatusFailed
		record.ErrorKind = &kind
	default:
		return false, err
	}

	if err := im.store.RecordImportedReport(ctx, record); err != nil {
		return false, fmt.Errorf("recording import: %w", err)
	}

	return record.Status == store.ImportStatusIngested, nil
}
