// Package api serves the flake pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/flake"
	"github.com/ethpandaops/flakeoor/pkg/importer"
	"github.com/ethpandaops/flakeoor/pkg/ingest"
	"github.com/ethpandaops/flakeoor/pkg/storage"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	ingest     ingest.Service
	scorer     flake.Scorer
	importer   importer.Importer
	maxUpload  int64
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start opens the store, wires the ingestion pipeline and starts the HTTP
// server. When importing is enabled the importer starts once the server
// is listening. On error everything started so far is stopped again.
func (s *server) Start(ctx context.Context) (err error) {
	maxUpload, err := s.cfg.Server.MaxUploadBytes()
	if err != nil {
		return fmt.Errorf("parsing max upload size: %w", err)
	}

	s.maxUpload = maxUpload

	st := store.NewStore(s.log, &s.cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.store = st

	defer func() {
		if err == nil {
			return
		}

		if stopErr := s.Stop(); stopErr != nil {
			s.log.WithError(stopErr).Warn("Failed to stop after start error")
		}
	}()

	svc, err := NewIngestService(s.log, s.cfg, s.store)
	if err != nil {
		return err
	}

	s.ingest = svc
	s.scorer = flake.NewScorer(s.log, s.store)

	if s.cfg.Import.Enabled {
		imp, err := NewImporter(s.log, s.cfg, s.store, s.ingest)
		if err != nil {
			return err
		}

		s.importer = imp
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	srv := s.httpServer

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := srv.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if s.importer != nil {
		if err := s.importer.Start(ctx); err != nil {
			return fmt.Errorf("starting importer: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server, the importer and the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()
	s.httpServer = nil

	if s.importer != nil {
		if err := s.importer.Stop(); err != nil {
			s.log.WithError(err).Warn("Importer stop error")
		}

		s.importer = nil
	}

	if s.store != nil {
		st := s.store
		s.store = nil

		if err := st.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// NewIngestService builds the ingestion service from configuration,
// attaching the archive writer when archiving is enabled.
func NewIngestService(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
) (ingest.Service, error) {
	opts := ingest.Options{
		Defaults: ingest.RunDefaults{
			Provider: cfg.Ingest.DefaultProvider,
			Status:   cfg.Ingest.DefaultStatus,
		},
		FileExtension: cfg.Ingest.FileExtension,
	}

	if cfg.Archive.Enabled {
		w, err := storage.NewWriter(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("creating archive writer: %w", err)
		}

		opts.Archive = w
		opts.ArchivePrefix = cfg.Archive.Prefix

		log.WithField("prefix", cfg.Archive.Prefix).Info("Report archiving enabled")
	}

	return ingest.NewService(log, st, opts), nil
}

// NewImporter builds the storage importer from configuration.
func NewImporter(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	svc ingest.Service,
) (importer.Importer, error) {
	reader, err := storage.NewReader(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("creating storage reader: %w", err)
	}

	interval, err := cfg.Import.IntervalDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing import interval: %w", err)
	}

	return importer.NewImporter(log, st, reader, svc, importer.Options{
		Interval:    interval,
		Concurrency: cfg.Import.Concurrency,
		Provider:    cfg.Import.Provider,
	}), nil
}
